package signalcli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// rpcRequest is a JSON-RPC 2.0 request written to signal-cli's stdin.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("signal-cli rpc error %d: %s", e.Code, e.Message)
}

// rpcRaw inspects an incoming line to decide whether it is a response
// (has an id) or a notification (has a method).
type rpcRaw struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage
	Error  *rpcError
}

// Client is the JSON-RPC transport to a signal-cli subprocess.
// Outbound calls correlate via a pending map; inbound data-message
// notifications are pushed to the envelopes channel.
type Client struct {
	command string
	args    []string
	account string
	logger  *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	nextID  atomic.Int64
	mu      sync.Mutex // protects pending + stdin writes
	pending map[int64]chan rpcResponse

	envelopes chan *envelope
	done      chan struct{} // closed when the read loop exits
	waitErr   chan error    // receives cmd.Wait result exactly once
	exited    chan error    // Done() view for the supervisor
}

// NewClient prepares a client; Start launches the subprocess.
func NewClient(command string, args []string, acct string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		command:   command,
		args:      args,
		account:   acct,
		logger:    logger,
		pending:   make(map[int64]chan rpcResponse),
		envelopes: make(chan *envelope, 64),
		done:      make(chan struct{}),
		waitErr:   make(chan error, 1),
		exited:    make(chan error, 1),
	}
}

// Start launches signal-cli and begins reading notifications. Must be
// called exactly once.
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("starting signal-cli", "command", c.command, "args", c.args)

	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start signal-cli: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.reader = bufio.NewReaderSize(stdout, 1<<20)

	go c.drainStderr(stderrPipe)
	go c.readLoop()
	go func() {
		err := cmd.Wait()
		if err != nil {
			c.logger.Error("signal-cli exited with error", "error", err)
		} else {
			c.logger.Info("signal-cli exited")
		}
		c.waitErr <- err
		c.exited <- err
	}()

	c.logger.Info("signal-cli started", "pid", cmd.Process.Pid)
	return nil
}

// Envelopes returns the inbound notification channel. Closed when the
// subprocess exits.
func (c *Client) Envelopes() <-chan *envelope {
	return c.envelopes
}

// Exited delivers the subprocess exit status once.
func (c *Client) Exited() <-chan error {
	return c.exited
}

// Send delivers a text message to a direct recipient.
func (c *Client) Send(ctx context.Context, recipient, message string) (int64, error) {
	return c.send(ctx, map[string]any{
		"account":   c.account,
		"recipient": []string{recipient},
		"message":   message,
	})
}

// SendGroup delivers a text message to a group.
func (c *Client) SendGroup(ctx context.Context, groupID, message string) (int64, error) {
	return c.send(ctx, map[string]any{
		"account": c.account,
		"groupId": groupID,
		"message": message,
	})
}

func (c *Client) send(ctx context.Context, params map[string]any) (int64, error) {
	raw, err := c.call(ctx, "send", params)
	if err != nil {
		return 0, fmt.Errorf("signal send: %w", err)
	}
	var result sendResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("unmarshal send result: %w", err)
	}
	return result.Timestamp, nil
}

// SendReceipt sends a read receipt for the given message timestamp.
func (c *Client) SendReceipt(ctx context.Context, recipient string, timestamp int64) error {
	_, err := c.call(ctx, "sendReceipt", map[string]any{
		"account":         c.account,
		"recipient":       recipient,
		"targetTimestamp": timestamp,
		"type":            "read",
	})
	if err != nil {
		return fmt.Errorf("signal sendReceipt: %w", err)
	}
	return nil
}

// SendTyping starts or stops the typing indicator.
func (c *Client) SendTyping(ctx context.Context, recipient, groupID string, stop bool) error {
	params := map[string]any{"account": c.account}
	if groupID != "" {
		params["groupId"] = groupID
	} else {
		params["recipient"] = recipient
	}
	if stop {
		params["stop"] = true
	}
	if _, err := c.call(ctx, "sendTyping", params); err != nil {
		return fmt.Errorf("signal sendTyping: %w", err)
	}
	return nil
}

// Version checks subprocess responsiveness. Used as the health probe.
func (c *Client) Version(ctx context.Context) error {
	_, err := c.call(ctx, "version", nil)
	return err
}

// StartLink begins a device-link handshake and returns the
// provisioning URI the user's phone must scan.
func (c *Client) StartLink(ctx context.Context) (string, error) {
	raw, err := c.call(ctx, "startLink", nil)
	if err != nil {
		return "", fmt.Errorf("signal startLink: %w", err)
	}
	var result linkResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("unmarshal startLink result: %w", err)
	}
	return result.DeviceLinkURI, nil
}

// FinishLink completes the handshake begun by StartLink. It blocks
// until the user scans the invite or the context expires.
func (c *Client) FinishLink(ctx context.Context, uri, deviceName string) error {
	_, err := c.call(ctx, "finishLink", map[string]any{
		"deviceLinkUri": uri,
		"deviceName":    deviceName,
	})
	if err != nil {
		return fmt.Errorf("signal finishLink: %w", err)
	}
	return nil
}

// ListAccounts returns the phone numbers signal-cli has local data for.
func (c *Client) ListAccounts(ctx context.Context) ([]string, error) {
	raw, err := c.call(ctx, "listAccounts", nil)
	if err != nil {
		return nil, fmt.Errorf("signal listAccounts: %w", err)
	}
	var accounts []account
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("unmarshal accounts: %w", err)
	}
	numbers := make([]string, 0, len(accounts))
	for _, a := range accounts {
		numbers = append(numbers, a.Number)
	}
	return numbers, nil
}

// DeleteAccountData removes the local account, undoing a link.
func (c *Client) DeleteAccountData(ctx context.Context) error {
	_, err := c.call(ctx, "deleteLocalAccountData", map[string]any{
		"account": c.account,
	})
	if err != nil {
		return fmt.Errorf("signal deleteLocalAccountData: %w", err)
	}
	return nil
}

// Close shuts the subprocess down: stdin close signals exit, with a
// kill after a grace period. The waiter goroutine owns cmd.Wait.
func (c *Client) Close() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	c.logger.Info("stopping signal-cli", "pid", c.cmd.Process.Pid)

	if c.stdin != nil {
		c.stdin.Close()
	}

	select {
	case err := <-c.waitErr:
		return err
	case <-time.After(5 * time.Second):
		c.logger.Warn("signal-cli did not exit, killing", "pid", c.cmd.Process.Pid)
		_ = c.cmd.Process.Kill()
		<-c.waitErr
		return nil
	}
}

// call sends one JSON-RPC request and waits for its response.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	// Bail before writing to a pipe nobody is reading.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	c.mu.Lock()
	c.pending[id] = ch

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write to signal-cli stdin: %w", err)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.done:
		return nil, fmt.Errorf("signal-cli subprocess exited")
	}
}

// readLoop routes stdout lines: responses to their pending callers,
// receive notifications to the envelopes channel.
func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.envelopes)

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				c.logger.Error("signal-cli read error", "error", err)
			}
			// Fail any callers still waiting.
			c.mu.Lock()
			for id, ch := range c.pending {
				ch <- rpcResponse{Error: &rpcError{Code: -1, Message: "subprocess exited"}}
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		var raw rpcRaw
		if err := json.Unmarshal(line, &raw); err != nil {
			c.logger.Debug("signal-cli non-JSON line", "line", string(line))
			continue
		}

		if raw.ID != nil {
			c.mu.Lock()
			ch, ok := c.pending[*raw.ID]
			if ok {
				delete(c.pending, *raw.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- rpcResponse{Result: raw.Result, Error: raw.Error}
			} else {
				c.logger.Debug("signal-cli response for unknown id", "id", *raw.ID)
			}
			continue
		}

		if raw.Method == "receive" {
			var notif receiveNotification
			if err := json.Unmarshal(raw.Params, &notif); err != nil {
				c.logger.Warn("signal-cli malformed receive notification", "error", err)
				continue
			}
			// Typing indicators, receipts, and sync traffic carry no
			// data message and are dropped here.
			if notif.Envelope.DataMessage == nil {
				continue
			}
			select {
			case c.envelopes <- &notif.Envelope:
			default:
				c.logger.Warn("signal envelope channel full, dropping message",
					"sender", notif.Envelope.Source)
			}
			continue
		}

		c.logger.Debug("signal-cli unknown notification", "method", raw.Method)
	}
}

func (c *Client) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("signal-cli stderr", "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("signal-cli stderr scan error", "error", err)
	}
}
