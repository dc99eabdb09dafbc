package live

import (
	"context"

	"github.com/gorilla/websocket"
)

// gorillaDialer is the production Dialer.
type gorillaDialer struct {
	dialer *websocket.Dialer
}

// NewGorillaDialer returns a Dialer backed by gorilla/websocket.
func NewGorillaDialer() Dialer {
	return &gorillaDialer{dialer: websocket.DefaultDialer}
}

func (d *gorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}
