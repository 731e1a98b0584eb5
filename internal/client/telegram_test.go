package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanpass/fulfillment/internal/clock"
	"github.com/chanpass/fulfillment/pkg/circuitbreaker"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type botCall struct {
	Method string
	Params map[string]string
}

// fakeBotAPI 按方法名返回预设响应
type fakeBotAPI struct {
	mu        sync.Mutex
	calls     []botCall
	responses map[string]func(params map[string]string) (int, string)
}

// decodeParams 兼容 multipart 表单与 JSON 请求体
func decodeParams(r *http.Request) map[string]string {
	params := map[string]string{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var raw map[string]interface{}
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		_ = dec.Decode(&raw)
		for k, v := range raw {
			params[k] = fmt.Sprint(v)
		}
		return params
	}
	if err := r.ParseMultipartForm(1 << 20); err == nil {
		for k, v := range r.MultipartForm.Value {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
	}
	return params
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	method := parts[len(parts)-1]
	params := decodeParams(r)

	f.mu.Lock()
	f.calls = append(f.calls, botCall{Method: method, Params: params})
	respond := f.responses[method]
	f.mu.Unlock()

	status, body := http.StatusOK, `{"ok":true,"result":true}`
	if respond != nil {
		status, body = respond(params)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (f *fakeBotAPI) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Method)
	}
	return out
}

func (f *fakeBotAPI) call(i int) botCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func newTelegramTest(t *testing.T, responses map[string]func(map[string]string) (int, string)) (*TelegramClient, *fakeBotAPI) {
	t.Helper()
	api := &fakeBotAPI{responses: responses}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	breaker := circuitbreaker.DefaultConfig()
	breaker.FailureThreshold = 3
	c, err := NewTelegramClient(&TelegramConfig{
		BotToken:  "123:abc",
		APIURL:    srv.URL,
		Timeout:   2 * time.Second,
		InviteTTL: 24 * time.Hour,
		Breaker:   breaker,
	}, clock.NewManual(testNow))
	require.NoError(t, err)
	return c, api
}

func fixed(status int, body string) func(map[string]string) (int, string) {
	return func(map[string]string) (int, string) { return status, body }
}

func TestTelegramClient_Invite(t *testing.T) {
	c, api := newTelegramTest(t, map[string]func(map[string]string) (int, string){
		"createChatInviteLink": fixed(http.StatusOK, `{"ok":true,"result":{"invite_link":"https://t.me/+abc"}}`),
		"sendMessage":          fixed(http.StatusOK, `{"ok":true,"result":{"message_id":7}}`),
	})

	require.NoError(t, c.Invite(context.Background(), "1001", "-100200"))
	assert.Equal(t, []string{"createChatInviteLink", "sendMessage"}, api.methods())

	create := api.call(0)
	assert.Equal(t, "-100200", create.Params["chat_id"])
	assert.Equal(t, "1", create.Params["member_limit"])
	assert.Equal(t, fmt.Sprint(testNow.Add(24*time.Hour).Unix()), create.Params["expire_date"])

	send := api.call(1)
	assert.Equal(t, "1001", send.Params["chat_id"])
	assert.Contains(t, send.Params["text"], "https://t.me/+abc")
}

func TestTelegramClient_RemoveAbsentMember(t *testing.T) {
	c, api := newTelegramTest(t, map[string]func(map[string]string) (int, string){
		"banChatMember": fixed(http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: PARTICIPANT_ID_INVALID"}`),
	})

	require.NoError(t, c.Remove(context.Background(), "1001", "-100200"))
	assert.Equal(t, []string{"banChatMember"}, api.methods())
}

func TestTelegramClient_RemoveBansThenUnbans(t *testing.T) {
	c, api := newTelegramTest(t, nil)

	require.NoError(t, c.Remove(context.Background(), "1001", "-100200"))
	assert.Equal(t, []string{"banChatMember", "unbanChatMember"}, api.methods())
	assert.Equal(t, "true", api.call(1).Params["only_if_banned"])
	assert.Equal(t, "1001", api.call(1).Params["user_id"])
}

func TestTelegramClient_RateLimited(t *testing.T) {
	c, _ := newTelegramTest(t, map[string]func(map[string]string) (int, string){
		"createChatInviteLink": fixed(http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`),
	})

	err := c.Invite(context.Background(), "1001", "-100200")
	require.Error(t, err)
	assert.True(t, bizerr.IsRetryable(err))

	var bizErr *bizerr.Error
	require.True(t, bizerr.As(err, &bizErr))
	assert.Equal(t, "5", bizErr.Details["retry_after"])
}

func TestTelegramClient_Rejected(t *testing.T) {
	c, api := newTelegramTest(t, map[string]func(map[string]string) (int, string){
		"createChatInviteLink": fixed(http.StatusForbidden, `{"ok":false,"error_code":403,"description":"Forbidden: bot is not a member of the channel chat"}`),
	})

	for i := 0; i < 5; i++ {
		err := c.Invite(context.Background(), "1001", "-100200")
		require.Error(t, err)
		assert.False(t, bizerr.IsRetryable(err))
		assert.True(t, bizerr.Is(err, ErrTelegramRejected))
	}
	// 业务拒绝不触发熔断
	assert.Len(t, api.methods(), 5)
}

func TestTelegramClient_BreakerOpensOnServerErrors(t *testing.T) {
	c, api := newTelegramTest(t, map[string]func(map[string]string) (int, string){
		"banChatMember": fixed(http.StatusBadGateway, `bad gateway`),
	})

	for i := 0; i < 3; i++ {
		err := c.Remove(context.Background(), "1001", "-100200")
		assert.True(t, bizerr.IsRetryable(err))
	}
	err := c.Remove(context.Background(), "1001", "-100200")
	assert.True(t, bizerr.IsRetryable(err))
	assert.Contains(t, err.Error(), "circuit breaker")
	assert.Len(t, api.methods(), 3)
}

func TestTelegramClient_InvalidUserID(t *testing.T) {
	c, api := newTelegramTest(t, nil)

	err := c.Invite(context.Background(), "@someone", "-100200")
	assert.True(t, bizerr.Is(err, ErrTelegramRejected))
	assert.Empty(t, api.methods())
}

func TestTelegramClient_CheckPermissions(t *testing.T) {
	tests := []struct {
		name       string
		member     string
		sufficient bool
		missing    []string
	}{
		{"creator", `{"status":"creator"}`, true, nil},
		{"full admin", `{"status":"administrator","can_invite_users":true,"can_restrict_members":true}`, true, nil},
		{"admin without ban", `{"status":"administrator","can_invite_users":true}`, false, []string{"can_restrict_members"}},
		{"plain member", `{"status":"member"}`, false, []string{"administrator", "can_invite_users", "can_restrict_members"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, api := newTelegramTest(t, map[string]func(map[string]string) (int, string){
				"getMe":         fixed(http.StatusOK, `{"ok":true,"result":{"id":4242,"is_bot":true}}`),
				"getChatMember": fixed(http.StatusOK, `{"ok":true,"result":`+tt.member+`}`),
			})

			perms, err := c.CheckPermissions(context.Background(), "-100200")
			require.NoError(t, err)
			assert.Equal(t, tt.sufficient, perms.Sufficient())
			assert.Equal(t, tt.missing, perms.Missing())
			assert.Equal(t, "4242", api.call(1).Params["user_id"])
		})
	}
}
