package logging

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Severity is an RFC 3164 severity. Lower values are more severe.
type Severity int

const (
	SevError   Severity = 3
	SevWarning Severity = 4
	SevNotice  Severity = 5
	SevInfo    Severity = 6
)

func (s Severity) String() string {
	switch s {
	case SevError:
		return "error"
	case SevWarning:
		return "warning"
	case SevNotice:
		return "notice"
	case SevInfo:
		return "info"
	default:
		return "severity(" + strconv.Itoa(int(s)) + ")"
	}
}

// ParseSeverity converts a severity name into a Severity. An empty name
// selects notice, the level inspection records are sent at.
func ParseSeverity(name string) (Severity, error) {
	switch strings.ToLower(name) {
	case "error", "err":
		return SevError, nil
	case "warning", "warn":
		return SevWarning, nil
	case "", "notice":
		return SevNotice, nil
	case "info":
		return SevInfo, nil
	default:
		return 0, fmt.Errorf("unknown syslog severity: %s", name)
	}
}

// Severity is the syslog severity of the record. Denied and permitted
// frames are both reported at notice.
func (r EventRecord) Severity() Severity {
	return SevNotice
}

// local0
const syslogFacility = 16

const (
	syslogDefaultPort = 514
	syslogTag         = "arpinspect"
)

// SyslogClient sends RFC 3164 lines over UDP. Records less severe than
// the client's minimum are skipped. It is safe for concurrent use.
type SyslogClient struct {
	conn     net.Conn
	hostname string
	min      Severity

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewSyslogClient connects to addr ("host" or "host:port", port 514 when
// omitted). Only messages at minSev or more severe are sent.
func NewSyslogClient(addr string, minSev Severity) (*SyslogClient, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(syslogDefaultPort))
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = syslogTag
	}
	return &SyslogClient{conn: conn, hostname: hostname, min: minSev}, nil
}

// SendEvent forwards an inspection record, stamped with the time the frame
// was inspected rather than the time of sending.
func (c *SyslogClient) SendEvent(rec EventRecord) error {
	return c.send(rec.Severity(), rec.Time, rec.Message())
}

// SendLog forwards one daemon log line.
func (c *SyslogClient) SendLog(sev Severity, msg string) error {
	return c.send(sev, time.Now(), msg)
}

func (c *SyslogClient) send(sev Severity, ts time.Time, msg string) error {
	if sev > c.min {
		return nil
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	line := fmt.Sprintf("<%d>%s %s %s: %s",
		syslogFacility*8+int(sev), ts.Format(time.Stamp), c.hostname, syslogTag, msg)
	if _, err := c.conn.Write([]byte(line)); err != nil {
		c.failed.Add(1)
		return fmt.Errorf("syslog write: %w", err)
	}
	c.sent.Add(1)
	return nil
}

// Sent returns how many lines were written.
func (c *SyslogClient) Sent() uint64 { return c.sent.Load() }

// Failed returns how many writes failed.
func (c *SyslogClient) Failed() uint64 { return c.failed.Load() }

// Close closes the underlying connection.
func (c *SyslogClient) Close() error {
	return c.conn.Close()
}
