package signalcli

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harbinger-ai/harbinger/internal/bridge"
	"github.com/harbinger-ai/harbinger/internal/session"
)

func newTestAdapter(t *testing.T) (*Adapter, io.Writer, io.Reader) {
	t.Helper()
	client, stdout, stdin := pipeClient(t)
	a := NewAdapter(Options{
		Client:               client,
		Account:              "+15550001111",
		AttachmentsDir:       t.TempDir(),
		DefaultCountryPrefix: "+1",
	})
	return a, stdout, stdin
}

// collectEnvelopes runs Listen in the background and returns a channel
// of normalized envelopes.
func collectEnvelopes(t *testing.T, a *Adapter) (<-chan bridge.Envelope, context.CancelFunc) {
	t.Helper()
	out := make(chan bridge.Envelope, 16)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		a.Listen(ctx, func(e bridge.Envelope) { out <- e })
	}()
	t.Cleanup(cancel)
	return out, cancel
}

func recvEnvelope(t *testing.T, ch <-chan bridge.Envelope) bridge.Envelope {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return bridge.Envelope{}
	}
}

func TestListenTranslatesDirectMessage(t *testing.T) {
	a, stdout, _ := newTestAdapter(t)
	envs, _ := collectEnvelopes(t, a)

	notif := `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{"sourceNumber":"+15551234567","sourceName":"Alice","timestamp":1631458508784,"dataMessage":{"timestamp":1631458508784,"message":"hello"}}}}` + "\n"
	io.WriteString(stdout, notif)

	e := recvEnvelope(t, envs)
	if e.SenderID != "+15551234567" {
		t.Errorf("SenderID = %q", e.SenderID)
	}
	if e.ConversationKey != "dm:+15551234567" {
		t.Errorf("ConversationKey = %q", e.ConversationKey)
	}
	if !e.IsDM || !e.Mentioned {
		t.Errorf("IsDM = %v Mentioned = %v, DMs are always addressed", e.IsDM, e.Mentioned)
	}
	if e.Text != "hello" {
		t.Errorf("Text = %q", e.Text)
	}
}

func TestListenTranslatesGroupMessageWithMention(t *testing.T) {
	a, stdout, _ := newTestAdapter(t)
	envs, _ := collectEnvelopes(t, a)

	mentioned := `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{"sourceNumber":"+15551234567","timestamp":1,"dataMessage":{"timestamp":1,"message":"@bot hi","groupInfo":{"groupId":"grp1"},"mentions":[{"number":"+15550001111","start":0,"length":4}]}}}}` + "\n"
	unmentioned := `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{"sourceNumber":"+15551234567","timestamp":2,"dataMessage":{"timestamp":2,"message":"chatter","groupInfo":{"groupId":"grp1"}}}}}` + "\n"
	io.WriteString(stdout, mentioned+unmentioned)

	first := recvEnvelope(t, envs)
	if first.ConversationKey != "group:grp1" || first.IsDM {
		t.Errorf("key = %q IsDM = %v", first.ConversationKey, first.IsDM)
	}
	if !first.Mentioned {
		t.Error("mention of the bridged account not detected")
	}

	second := recvEnvelope(t, envs)
	if second.Mentioned {
		t.Error("unmentioned group chatter marked as mentioned")
	}
}

func TestListenNormalizesNationalNumbers(t *testing.T) {
	a, stdout, _ := newTestAdapter(t)
	envs, _ := collectEnvelopes(t, a)

	notif := `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{"sourceNumber":"5551234567","timestamp":1,"dataMessage":{"timestamp":1,"message":"hi"}}}}` + "\n"
	io.WriteString(stdout, notif)

	e := recvEnvelope(t, envs)
	if e.SenderID != "+15551234567" {
		t.Errorf("SenderID = %q, want prefix applied", e.SenderID)
	}
}

func TestListenKeepsUUIDSenderIntact(t *testing.T) {
	a, stdout, _ := newTestAdapter(t)
	envs, _ := collectEnvelopes(t, a)

	// Contacts that hide their number arrive with a UUID source and no
	// sourceNumber. That id must not be treated as a phone number.
	notif := `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{"source":"0d06d2b5-d2a2-4fbe-b7e1-5b07a00091b2","timestamp":2,"dataMessage":{"timestamp":2,"message":"hi"}}}}` + "\n"
	io.WriteString(stdout, notif)

	e := recvEnvelope(t, envs)
	if e.SenderID != "0d06d2b5-d2a2-4fbe-b7e1-5b07a00091b2" {
		t.Errorf("SenderID = %q, want the UUID unchanged", e.SenderID)
	}
	if e.ConversationKey != "dm:0d06d2b5-d2a2-4fbe-b7e1-5b07a00091b2" {
		t.Errorf("ConversationKey = %q", e.ConversationKey)
	}
}

func TestListenReadsAttachmentsAndSkipsMissing(t *testing.T) {
	a, stdout, _ := newTestAdapter(t)
	if err := os.WriteFile(filepath.Join(a.attDir, "att1"), []byte("pixels"), 0o644); err != nil {
		t.Fatalf("write attachment: %v", err)
	}
	envs, _ := collectEnvelopes(t, a)

	notif := `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{"sourceNumber":"+15551234567","timestamp":1,"dataMessage":{"timestamp":1,"message":"pics","attachments":[{"contentType":"image/png","filename":"cat.png","id":"att1","size":6},{"contentType":"image/png","id":"gone","size":9}]}}}}` + "\n"
	io.WriteString(stdout, notif)

	e := recvEnvelope(t, envs)
	if len(e.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1 (missing file skipped)", len(e.Attachments))
	}
	att := e.Attachments[0]
	if att.Filename != "cat.png" || att.MimeType != "image/png" || string(att.Data) != "pixels" {
		t.Errorf("attachment = %+v", att)
	}
}

func TestSendTextRoutesByKeyAndRecordsHistory(t *testing.T) {
	a, stdout, stdin := newTestAdapter(t)
	reqCh := respondOnce(t, stdout, stdin, `{"timestamp":5}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.SendText(ctx, "dm:+15551234567", "on my way"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if req := <-reqCh; req.Method != "send" {
		t.Errorf("method = %q", req.Method)
	}

	hist, err := a.FetchHistory(ctx, "dm:+15551234567", 10)
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(hist) != 1 || hist[0].Role != "assistant" || hist[0].Text != "on my way" {
		t.Errorf("history = %+v", hist)
	}
}

func TestSendTextRejectsMalformedKey(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	for _, key := range []string{"", "alice", "dm:", "channel:x"} {
		if err := a.SendText(context.Background(), key, "hi"); err == nil {
			t.Errorf("SendText(%q) accepted malformed key", key)
		}
	}
}

func TestFetchHistoryWindow(t *testing.T) {
	a, _, _ := newTestAdapter(t)

	for i := 0; i < 250; i++ {
		a.history.add("dm:+15551234567", session.HistoryMessage{Role: "user", Text: "m"})
	}
	hist, _ := a.FetchHistory(context.Background(), "dm:+15551234567", 100)
	if len(hist) != 100 {
		t.Errorf("history len = %d, want capped at 100", len(hist))
	}
}

func TestLinkStatus(t *testing.T) {
	a, stdout, stdin := newTestAdapter(t)
	respondOnce(t, stdout, stdin, `[{"number":"+15550001111"}]`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := a.LinkStatus(ctx)
	if err != nil {
		t.Fatalf("LinkStatus: %v", err)
	}
	if !state.Linked || state.AccountID != "+15550001111" {
		t.Errorf("state = %+v", state)
	}
}

func TestLinkReturnsInviteWithQR(t *testing.T) {
	a, stdout, stdin := newTestAdapter(t)

	// First request is startLink; the background finishLink call gets
	// a reply too so its goroutine does not log an error mid-test.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-respondOnce(t, stdout, stdin, `{"deviceLinkUri":"sgnl://linkdevice?uuid=abc"}`)
		<-respondOnce(t, stdout, stdin, `{}`)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	invite, err := a.Link(ctx, "harbinger")
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if invite.URI != "sgnl://linkdevice?uuid=abc" {
		t.Errorf("URI = %q", invite.URI)
	}
	if invite.QRCodePNG == "" {
		t.Error("QR code not rendered")
	}
	wg.Wait()
}
