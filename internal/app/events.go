package app

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"

	"github.com/nuetzliches/beacon/internal/tracker"
)

const maxInputLine = 1 << 20

// inputLine is one JSON line read by `beacon run`. Without an op it is an
// event; the ops drive the lifecycle and identity calls a host app makes.
type inputLine struct {
	Op         string         `json:"op,omitempty"`
	Name       string         `json:"name,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	MemberID   string         `json:"member_id,omitempty"`
	Method     string         `json:"login_method,omitempty"`
	Error      string         `json:"error,omitempty"`
	Endpoint   string         `json:"endpoint,omitempty"`
}

type lineResult struct {
	Accepted bool
	Skipped  bool
}

var errUnknownOp = errors.New("unknown op")

func decodeInputLine(raw []byte) (inputLine, error) {
	var in inputLine
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		return inputLine{}, err
	}
	return in, nil
}

func loginMethod(s string) tracker.LoginMethod {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "password", "password_input":
		return tracker.LoginMethodPasswordInput
	case "one_tap", "one_tap_login":
		return tracker.LoginMethodOneTapLogin
	default:
		return tracker.LoginMethodOther
	}
}

func applyInputLine(ctx context.Context, m *tracker.Manager, in inputLine) (lineResult, error) {
	switch strings.ToLower(in.Op) {
	case "", "event":
		if in.Name == "" {
			return lineResult{}, errors.New("event without name")
		}
		return lineResult{Accepted: m.Process(ctx, tracker.NewEvent(in.Name, in.Parameters))}, nil
	case "active":
		m.AppDidBecomeActive()
	case "user":
		m.SetUserIdentifier(in.UserID)
	case "login":
		if in.MemberID == "" {
			return lineResult{}, errors.New("login without member_id")
		}
		return lineResult{Accepted: m.SetMemberIdentifier(ctx, in.MemberID, loginMethod(in.Method))}, nil
	case "login_failed":
		return lineResult{Accepted: m.SetMemberError(ctx, errors.New(in.Error))}, nil
	case "logout":
		return lineResult{Accepted: m.RemoveMemberIdentifier(ctx)}, nil
	case "endpoint":
		if err := m.SetEndpoint(in.Endpoint); err != nil {
			return lineResult{}, err
		}
	default:
		return lineResult{}, fmt.Errorf("%w %q", errUnknownOp, in.Op)
	}
	return lineResult{Skipped: true}, nil
}

type ingestStats struct {
	Lines    int
	Accepted int
	Rejected int
	Invalid  int
}

// ingest feeds r line by line into m until EOF or ctx is done. Malformed
// lines are logged and skipped.
func ingest(ctx context.Context, r io.Reader, m *tracker.Manager, logger *slog.Logger, observe func(accepted bool)) (ingestStats, error) {
	var st ingestStats
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxInputLine)
	for sc.Scan() {
		if ctx.Err() != nil {
			return st, nil
		}
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		st.Lines++
		in, err := decodeInputLine(raw)
		if err == nil {
			var res lineResult
			res, err = applyInputLine(ctx, m, in)
			if err == nil {
				if res.Skipped {
					continue
				}
				if res.Accepted {
					st.Accepted++
				} else {
					st.Rejected++
				}
				if observe != nil {
					observe(res.Accepted)
				}
				continue
			}
		}
		st.Invalid++
		logger.Warn("input_line_invalid", slog.Int("line", st.Lines), slog.Any("err", err))
	}
	return st, sc.Err()
}
