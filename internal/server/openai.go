package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hitushen/postureguard/internal/models"
	"github.com/hitushen/postureguard/internal/targets"
)

// DefaultChatModel 是 /v1/models 公布的模型名。
const DefaultChatModel = "postureguard-scanner"

const (
	defaultChatTimeout = 2 * time.Minute
	chatPollInterval   = 250 * time.Millisecond
	chatListLimit      = 5
)

const chatUsage = "Tell me which host to scan, for example: \"run a quick scan of 192.168.1.20\". Scan types are quick, standard and full."

var (
	ipv4Pattern     = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	hostPattern     = regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,63}\b`)
	fullPattern     = regexp.MustCompile(`(?i)\bfull\b`)
	standardPattern = regexp.MustCompile(`(?i)\bstandard\b`)
)

// modelList 对应 OpenAI 的 GET /v1/models 响应。
type modelList struct {
	Object string         `json:"object"`
	Data   []openai.Model `json:"data"`
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modelList{
		Object: "list",
		Data: []openai.Model{{
			ID:        s.chatModel,
			Object:    "model",
			CreatedAt: s.started.Unix(),
			OwnedBy:   serviceName,
		}},
	})
}

// chatCompletions 把最后一条用户消息解析为扫描请求，提交后等待结果并以对话形式回复。
// 超过等待时间仍未结束的扫描会继续在后台执行，回复中给出会话 ID。
func (s *Server) chatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, "invalid request body", http.StatusBadRequest)
		return
	}

	prompt := lastUserMessage(req.Messages)
	target, profile, ok := parseScanRequest(prompt)
	if !ok {
		s.writeChat(w, "", chatUsage)
		return
	}

	sess, err := s.manager.Submit(r.Context(), target, profile)
	if err != nil {
		s.writeSubmitError(w, target, err)
		return
	}

	final, err := s.waitForSession(r.Context(), sess.ID, s.chatTimeout)
	switch {
	case err == nil:
		s.writeChat(w, sess.ID, chatSummary(final))
	case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
		s.writeChat(w, sess.ID, chatPending(final))
	default:
		s.logger.Warn("chat scan wait aborted", "session", sess.ID, "error", err)
		if r.Context().Err() == nil {
			writeErr(w, err, http.StatusInternalServerError)
		}
	}
}

func (s *Server) writeChat(w http.ResponseWriter, sessionID, content string) {
	id := "chatcmpl-" + sessionID
	if sessionID == "" {
		id = fmt.Sprintf("chatcmpl-%d", s.now().UnixNano())
	}
	writeJSON(w, http.StatusOK, openai.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: s.now().Unix(),
		Model:   s.chatModel,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: content,
			},
			FinishReason: openai.FinishReasonStop,
		}},
	})
}

// waitForSession 等待会话进入终态。事件只用于提前唤醒，状态始终以存储为准。
func (s *Server) waitForSession(ctx context.Context, id string, timeout time.Duration) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var events <-chan []byte
	if s.broker != nil {
		ch, cleanup := s.broker.Subscribe(id)
		defer cleanup()
		events = ch
	}
	ticker := time.NewTicker(chatPollInterval)
	defer ticker.Stop()

	var last *models.Session
	for {
		sess, err := s.store.Get(context.WithoutCancel(ctx), id)
		if err != nil {
			return last, err
		}
		last = sess
		if sess.Status.IsTerminal() {
			return sess, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case <-ticker.C:
		}
	}
}

func lastUserMessage(msgs []openai.ChatCompletionMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != openai.ChatMessageRoleUser {
			continue
		}
		if msgs[i].Content != "" {
			return msgs[i].Content
		}
		var parts []string
		for _, p := range msgs[i].MultiContent {
			if p.Type == openai.ChatMessagePartTypeText {
				parts = append(parts, p.Text)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// parseScanRequest 从自然语言中取出目标与扫描类型，未指定类型时按 quick 处理。
func parseScanRequest(text string) (string, models.Profile, bool) {
	raw := ipv4Pattern.FindString(text)
	if raw == "" {
		raw = hostPattern.FindString(text)
	}
	target := targets.Normalize(raw)
	if target == "" {
		return "", "", false
	}

	profile := models.ProfileQuick
	switch {
	case fullPattern.MatchString(text):
		profile = models.ProfileFull
	case standardPattern.MatchString(text):
		profile = models.ProfileStandard
	}
	return target, profile, true
}

func chatSummary(sess *models.Session) string {
	var b strings.Builder
	if sess.Status != models.StatusCompleted {
		b.WriteString("Scan failed.\n\n")
		writeChatHeader(&b, sess)
		fmt.Fprintf(&b, "**Reason**: %s\n", sess.Error)
		return b.String()
	}

	b.WriteString("Scan completed.\n\n")
	writeChatHeader(&b, sess)
	fmt.Fprintf(&b, "**Open ports**: %d\n", len(sess.Ports))
	fmt.Fprintf(&b, "**Vulnerabilities**: %d\n", len(sess.Vulnerabilities))
	if sess.Risk != nil {
		fmt.Fprintf(&b, "**Risk**: %s (%d/100)\n", sess.Risk.Level, sess.Risk.Score)
	}

	b.WriteString("\n**Ports**:\n")
	if len(sess.Ports) == 0 {
		b.WriteString("- none\n")
	}
	for i, p := range sess.Ports {
		if i == chatListLimit {
			fmt.Fprintf(&b, "- ... and %d more\n", len(sess.Ports)-chatListLimit)
			break
		}
		fmt.Fprintf(&b, "- %d/%s (%s)\n", p.Port, p.Service, p.State)
	}

	b.WriteString("\n**Vulnerabilities**:\n")
	if len(sess.Vulnerabilities) == 0 {
		b.WriteString("- none\n")
	}
	for i, v := range sess.Vulnerabilities {
		if i == chatListLimit {
			fmt.Fprintf(&b, "- ... and %d more\n", len(sess.Vulnerabilities)-chatListLimit)
			break
		}
		fmt.Fprintf(&b, "- [%s] %s (port %d)\n", v.Severity, v.Type, v.Port)
	}

	if sess.Error != "" {
		fmt.Fprintf(&b, "\n**Notes**: %s\n", sess.Error)
	}
	fmt.Fprintf(&b, "\nFull result: /api/v1/scans/%s/result\n", sess.ID)
	return b.String()
}

func chatPending(sess *models.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scan is still %s (%d%%).\n\n", sess.Status, sess.Progress)
	writeChatHeader(&b, sess)
	fmt.Fprintf(&b, "\nFollow it at /api/v1/scans/%s\n", sess.ID)
	return b.String()
}

func writeChatHeader(b *strings.Builder, sess *models.Session) {
	fmt.Fprintf(b, "**Session ID**: %s\n", sess.ID)
	fmt.Fprintf(b, "**Target**: %s\n", sess.Target)
	fmt.Fprintf(b, "**Scan type**: %s\n", sess.Profile)
}
