package notify

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustloop/internal/config"
	"trustloop/internal/domain"
)

func smtpConfig(t *testing.T, ln net.Listener) config.SMTP {
	t.Helper()
	addr := ln.Addr().(*net.TCPAddr)
	return config.SMTP{Host: "127.0.0.1", Port: addr.Port, From: "bot@example.com"}
}

func emailDelivery() Delivery {
	return Delivery{
		NotificationID: "n-1", AccountID: "acct", EventType: "execution.failed", Subject: "Run failed", Body: "details",
		Channel: domain.NotificationChannel{ID: "c-mail", ConfigJSON: `{"to":["ops@example.com"]}`},
	}
}

// serveSMTP answers one session with the minimal command set and returns the
// DATA payload it received.
func serveSMTP(ln net.Listener) <-chan string {
	out := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			out <- ""
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		reply := func(line string) { fmt.Fprintf(conn, "%s\r\n", line) }
		reply("220 localhost ESMTP")
		var data strings.Builder
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				out <- data.String()
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				reply("250 localhost")
			case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"):
				reply("250 ok")
			case cmd == "DATA":
				reply("354 go ahead")
				for {
					l, err := r.ReadString('\n')
					if err != nil || l == ".\r\n" {
						break
					}
					data.WriteString(l)
				}
				reply("250 queued")
			case cmd == "QUIT":
				reply("221 bye")
				out <- data.String()
				return
			default:
				reply("502 unsupported")
			}
		}
	}()
	return out
}

func TestEmailAdapterSendsMessage(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	received := serveSMTP(ln)

	ext, err := Email{SMTP: smtpConfig(t, ln)}.Deliver(context.Background(), emailDelivery())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ext, "<") && strings.HasSuffix(ext, "@trustloop>"), ext)

	data := <-received
	assert.Contains(t, data, "Subject: Run failed")
	assert.Contains(t, data, "Message-ID: "+ext)
	assert.Contains(t, data, "details")
}

func TestEmailAdapterHonoursContextDeadline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	// Accept and never greet, like a hung relay.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(5 * time.Second)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = Email{SMTP: smtpConfig(t, ln)}.Deliver(ctx, emailDelivery())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
