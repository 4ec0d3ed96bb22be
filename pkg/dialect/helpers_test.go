package dialect

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zachfi/icyrelay/pkg/target"
)

// serveRaw accepts connections on a local listener and hands each one to fn
// after reading the request head. It returns the listener address.
func serveRaw(t *testing.T, fn func(conn net.Conn, request []string)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				br := bufio.NewReader(conn)
				var lines []string
				for {
					line, err := br.ReadString('\n')
					if err != nil {
						return
					}
					line = strings.TrimRight(line, "\r\n")
					if line == "" {
						break
					}
					lines = append(lines, line)
				}
				fn(conn, lines)
			}()
		}
	}()

	return ln.Addr().String()
}

func mustTarget(t *testing.T, raw string) target.StreamTarget {
	t.Helper()
	tgt, err := target.Parse(raw)
	require.NoError(t, err)
	return tgt
}

func testConfig() Config {
	return Config{
		ConnectTimeout:        2 * time.Second,
		ResponseHeaderTimeout: 2 * time.Second,
		HeaderLimit:           1024,
	}
}
