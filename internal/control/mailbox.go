package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	requestSuffix = ".request.json"
	claimedSuffix = ".claimed.json"
	resultSuffix  = ".result.json"

	defaultPollInterval = 50 * time.Millisecond

	// Unread results and abandoned claims older than this are removed.
	staleAfter = 10 * time.Minute
)

// ErrNotPickedUp is returned by Await when nobody claimed the request
// before the context ended. The request is withdrawn.
var ErrNotPickedUp = errors.New("request was not picked up by the run loop")

// Mailbox is a directory of pending requests and their results.
//
// A request moves through three names: <id>.request.json while pending,
// <id>.claimed.json once the run loop takes it, and <id>.result.json for
// the answer. Claiming is a rename, so a request is either withdrawn by its
// sender or handled by the run loop, never both.
type Mailbox struct {
	dir          string
	pollInterval time.Duration
	log          zerolog.Logger
	now          func() time.Time
}

// NewMailbox creates a Mailbox in dir, creating the directory if needed.
func NewMailbox(dir string, log zerolog.Logger) (*Mailbox, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create control directory: %w", err)
	}
	return &Mailbox{
		dir:          dir,
		pollInterval: defaultPollInterval,
		log:          log.With().Str("component", "control").Logger(),
		now:          time.Now,
	}, nil
}

// Dir returns the mailbox directory.
func (m *Mailbox) Dir() string { return m.dir }

func (m *Mailbox) path(id, suffix string) string {
	return filepath.Join(m.dir, id+suffix)
}

// Submit stores req as pending and returns its id.
func (m *Mailbox) Submit(req Request) (string, error) {
	req.ID = uuid.NewString()
	req.CreatedAt = m.now().UTC()

	if err := writeJSON(m.path(req.ID, requestSuffix), req); err != nil {
		return "", err
	}
	return req.ID, nil
}

// Await waits for the result of request id and removes it. When ctx ends
// before the request is claimed, the request is withdrawn and the error
// wraps ErrNotPickedUp.
func (m *Mailbox) Await(ctx context.Context, id string) (Result, error) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	resultPath := m.path(id, resultSuffix)
	for {
		res, err := readJSON[Result](resultPath)
		if err == nil {
			_ = os.Remove(resultPath)
			return res, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return Result{}, err
		}

		select {
		case <-ctx.Done():
			// Losing the race to a claim means the answer is on its way.
			if err := os.Remove(m.path(id, requestSuffix)); err == nil {
				return Result{}, fmt.Errorf("request %s: %w", id, ErrNotPickedUp)
			}
			return Result{}, fmt.Errorf("request %s was claimed but not answered: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Pending returns the ids of pending requests, oldest first.
func (m *Mailbox) Pending() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read control directory: %w", err)
	}

	type pending struct {
		id  string
		mod time.Time
	}
	var reqs []pending
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), requestSuffix)
		if !ok || e.IsDir() || id == "" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // withdrawn meanwhile
		}
		reqs = append(reqs, pending{id: id, mod: info.ModTime()})
	}

	slices.SortFunc(reqs, func(a, b pending) int {
		if c := a.mod.Compare(b.mod); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})

	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.id
	}
	return ids, nil
}

// Serve claims every pending request, applies it to c and writes its
// result. It returns the number of requests handled.
func (m *Mailbox) Serve(c Controller) (int, error) {
	ids, err := m.Pending()
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, id := range ids {
		req, ok, err := m.claim(id)
		if err != nil {
			m.log.Warn().Err(err).Str("request_id", id).Msg("failed to claim control request")
			continue
		}
		if !ok {
			continue
		}

		res := Apply(c, req)
		res.ID = id
		res.HandledAt = m.now().UTC()

		if res.Error != "" {
			m.log.Warn().Str("request_id", id).Str("op", string(req.Op)).Str("error", res.Error).Msg("control request failed")
		} else {
			m.log.Info().Str("request_id", id).Str("op", string(req.Op)).Msg("control request handled")
		}

		if err := writeJSON(m.path(id, resultSuffix), res); err != nil {
			m.log.Error().Err(err).Str("request_id", id).Msg("failed to write control result")
		}
		_ = os.Remove(m.path(id, claimedSuffix))
		handled++
	}

	m.purgeStale()
	return handled, nil
}

// claim takes request id. ok is false when its sender withdrew it first.
func (m *Mailbox) claim(id string) (Request, bool, error) {
	claimed := m.path(id, claimedSuffix)
	if err := os.Rename(m.path(id, requestSuffix), claimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Request{}, false, nil
		}
		return Request{}, false, err
	}

	req, err := readJSON[Request](claimed)
	if err != nil {
		_ = os.Remove(claimed)
		// Still answer, so the sender does not wait for nothing.
		res := Result{ID: id, Error: err.Error(), HandledAt: m.now().UTC()}
		_ = writeJSON(m.path(id, resultSuffix), res)
		return Request{}, false, err
	}
	return req, true, nil
}

// purgeStale removes results nobody collected and claims left by a run
// loop that died mid-request.
func (m *Mailbox) purgeStale() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	cutoff := m.now().Add(-staleAfter)

	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, resultSuffix) && !strings.HasSuffix(name, claimedSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, name)); err == nil {
			m.log.Debug().Str("file", name).Msg("removed stale control file")
		}
	}
}

// IsRequest reports whether name is a pending request document.
func IsRequest(name string) bool {
	return strings.HasSuffix(name, requestSuffix)
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := renameio.WriteFile(path, data, 0o644, renameio.WithTempDir(filepath.Dir(path))); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON[T any](path string) (T, error) {
	var v T
	data, err := os.ReadFile(path)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return v, nil
}
