package submit

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ctfops/flagfarm/internal/flagstore"
)

const defaultTCPPort = "1337"

// TCPSubmitter is the line-oriented TCP adapter: one flag per line out,
// one response line per flag in, paired strictly by send/receive order
// unless the response line carries its own flag token.
type TCPSubmitter struct {
	address string
	timeout time.Duration
}

// NewTCPSubmitter builds a TCP submitter from a "tcp://host[:port]" URL,
// defaulting to port 1337 when none is given.
func NewTCPSubmitter(u *url.URL, timeout time.Duration) (*TCPSubmitter, error) {
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("tcp system_url missing host: %s", u.String())
	}
	port := u.Port()
	if port == "" {
		port = defaultTCPPort
	}
	return &TCPSubmitter{address: net.JoinHostPort(host, port), timeout: timeout}, nil
}

// Submit implements Submitter. If the connection drops before a response
// line arrives for every flag sent, the verdicts collected so far are
// returned without error; a read error before the first line arrives is
// returned as an error with no verdicts.
func (s *TCPSubmitter) Submit(ctx context.Context, flags []string) ([]flagstore.Verdict, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.address)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", s.address, err)
	}
	defer conn.Close()

	payload := strings.Join(flags, "\n") + "\n"
	conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if _, err := conn.Write([]byte(payload)); err != nil {
		return nil, fmt.Errorf("sending flags to %s: %w", s.address, err)
	}

	verdicts := make([]flagstore.Verdict, 0, len(flags))
	conn.SetReadDeadline(time.Now().Add(s.timeout))
	scanner := bufio.NewScanner(conn)

	for i := 0; i < len(flags) && scanner.Scan(); i++ {
		line := scanner.Bytes()
		if !utf8.Valid(line) {
			verdicts = append(verdicts, flagstore.Verdict{Flag: flags[i], Status: flagstore.StatusUnknown, Message: "non-utf8 response"})
			continue
		}
		verdicts = append(verdicts, parseTCPLine(flags[i], string(line)))
	}
	// scanner.Err() surfaces read errors; a clean EOF (server disconnect)
	// just yields fewer verdicts than flags sent, which is not an error.
	if err := scanner.Err(); err != nil && len(verdicts) == 0 {
		return nil, fmt.Errorf("reading response from %s: %w", s.address, err)
	}
	return verdicts, nil
}

// parseTCPLine applies the "<flag> <message>" or bare-message convention:
// if the line has exactly two whitespace-separated fields, the first is
// taken as the flag and the second as the message; otherwise the whole
// line is the message and it is paired by send order using expectedFlag.
// The first field is not checked against any flag format.
func parseTCPLine(expectedFlag, line string) flagstore.Verdict {
	flag := expectedFlag
	message := line
	if fields := strings.Fields(line); len(fields) == 2 {
		flag = fields[0]
		message = fields[1]
	}
	status := flagstore.StatusRejected
	if strings.EqualFold(strings.TrimSpace(message), "OK") {
		status = flagstore.StatusAccepted
	}
	return flagstore.Verdict{Flag: flag, Status: status, Message: message}
}
