package drift

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"
)

// ntpEpochOffset is the seconds between the NTP epoch (1900) and the
// Unix epoch (1970).
const ntpEpochOffset = 2208988800

// NTPQuery measures the local clock offset against one NTP server.
type NTPQuery func(ctx context.Context, server string) (time.Duration, error)

// TimeSyncCheck queries multiple NTP servers and compares the median
// offset against the configured skew threshold. At least three servers
// must answer for the median to be trusted; fewer responses make the
// check error rather than guess.
type TimeSyncCheck struct {
	Servers []string
	MaxSkew time.Duration
	Query   NTPQuery
}

func NewTimeSyncCheck(servers []string, maxSkew time.Duration) *TimeSyncCheck {
	return &TimeSyncCheck{Servers: servers, MaxSkew: maxSkew, Query: QueryNTPOffset}
}

func (c *TimeSyncCheck) Name() string { return CheckTimeSync }

func (c *TimeSyncCheck) Run(ctx context.Context) Finding {
	const scope = "clock"
	offset, responses, err := MedianOffset(ctx, c.Servers, c.Query)
	if err != nil {
		return errorFinding(CheckTimeSync, scope, err)
	}

	pre := map[string]any{
		"median_offset_ms": offset.Milliseconds(),
		"servers_queried":  len(c.Servers),
		"servers_answered": responses,
		"max_skew_ms":      c.MaxSkew.Milliseconds(),
	}

	abs := offset
	if abs < 0 {
		abs = -abs
	}
	if abs < c.MaxSkew {
		pre["status"] = "ok"
		return Finding{
			CheckType: CheckTimeSync,
			Scope:     scope,
			Status:    StatusOK,
			Severity:  SeverityInfo,
			PreState:  pre,
		}
	}

	pre["status"] = "drift"
	return Finding{
		CheckType: CheckTimeSync,
		Scope:     scope,
		Status:    StatusDrift,
		Severity:  SeverityFail,
		PreState:  pre,
	}
}

// MedianOffset queries every server and returns the median of the
// successful measurements. Requires at least three responses.
func MedianOffset(ctx context.Context, servers []string, query NTPQuery) (time.Duration, int, error) {
	if query == nil {
		query = QueryNTPOffset
	}
	var offsets []time.Duration
	var errs []string
	for _, server := range servers {
		off, err := query(ctx, server)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", server, err))
			continue
		}
		offsets = append(offsets, off)
	}
	if len(offsets) < 3 {
		return 0, len(offsets), fmt.Errorf("only %d of %d ntp servers answered (%s)",
			len(offsets), len(servers), strings.Join(errs, "; "))
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets[len(offsets)/2], len(offsets), nil
}

// QueryNTPOffset performs one SNTP exchange (RFC 4330, mode 3) and
// returns the clock offset ((t2-t1)+(t3-t4))/2.
func QueryNTPOffset(ctx context.Context, server string) (time.Duration, error) {
	if !strings.Contains(server, ":") {
		server += ":123"
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", server)
	if err != nil {
		return 0, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(5 * time.Second))
	}

	req := make([]byte, 48)
	req[0] = 0x23 // LI=0, VN=4, Mode=3 (client)

	t1 := time.Now()
	putNTPTime(req[40:], t1)
	if _, err := conn.Write(req); err != nil {
		return 0, fmt.Errorf("send: %w", err)
	}

	resp := make([]byte, 48)
	if _, err := conn.Read(resp); err != nil {
		return 0, fmt.Errorf("receive: %w", err)
	}
	t4 := time.Now()

	if mode := resp[0] & 0x07; mode != 4 {
		return 0, fmt.Errorf("unexpected mode %d in response", mode)
	}
	if stratum := resp[1]; stratum == 0 {
		return 0, fmt.Errorf("kiss-of-death from server")
	}

	t2 := getNTPTime(resp[32:]) // server receive
	t3 := getNTPTime(resp[40:]) // server transmit

	offset := (t2.Sub(t1) + t3.Sub(t4)) / 2
	return offset, nil
}

func putNTPTime(b []byte, t time.Time) {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	binary.BigEndian.PutUint32(b[0:], uint32(secs))
	binary.BigEndian.PutUint32(b[4:], uint32(frac))
}

func getNTPTime(b []byte) time.Time {
	secs := binary.BigEndian.Uint32(b[0:])
	frac := binary.BigEndian.Uint32(b[4:])
	nsec := uint64(frac) * 1e9 >> 32
	return time.Unix(int64(secs)-ntpEpochOffset, int64(nsec))
}
