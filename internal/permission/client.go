package permission

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/kandev/conductor/internal/common/constants"
)

// Client asks a permission Server for decisions. It is used on the agent side.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client for the socket at socketPath. A zero timeout uses the default request timeout.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = constants.PermissionRequestTimeout
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// Request sends req and waits for the decision. Whenever no decision could be
// obtained the returned response is a deny and err describes why.
func (c *Client) Request(ctx context.Context, req Request) (Response, error) {
	if c.socketPath == "" {
		return deny("permission channel not configured"), fmt.Errorf("no permission socket")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return deny("permission channel unreachable"), fmt.Errorf("dial permission socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return deny("invalid request"), err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return deny("permission request failed"), fmt.Errorf("write permission request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return deny("no permission decision received"), fmt.Errorf("read permission response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return deny("malformed permission response"), fmt.Errorf("decode permission response: %w", err)
	}
	if resp.Decision != DecisionApprove {
		resp.Decision = DecisionDeny
	}
	return resp, nil
}
