package manager

import (
	"context"
	"fmt"
	"os"
	"strings"

	"chatd/internal/acquire"
	"chatd/internal/apperr"
	"chatd/internal/common/fsutil"
	"chatd/internal/events"
	"chatd/internal/session"
	"chatd/pkg/types"
)

// ListModels returns the catalog plus any uncatalogued installed models.
func (m *Manager) ListModels() ([]types.ModelDescriptor, error) {
	list, err := m.reg.List()
	if err != nil {
		return nil, apperr.New(apperr.KindIO, "list_models", err)
	}
	return list, nil
}

// resolveDescriptor fills a bare {name} request from the catalog. An
// uncatalogued installed model keeps the tokenizer its directory holds.
func (m *Manager) resolveDescriptor(desc types.ModelDescriptor) (types.ModelDescriptor, error) {
	desc.Name = strings.TrimSpace(desc.Name)
	if desc.Name == "" {
		return desc, apperr.Msg(apperr.KindInvalid, "acquire", "model name is required")
	}
	if desc.URL != "" {
		return desc, nil
	}
	if known, ok := m.reg.Lookup(desc.Name); ok {
		return known, nil
	}
	if desc.Tokenizer == "" && desc.TokenizerURL == "" {
		if l, err := m.reg.Resolve(desc.Name); err == nil && fsutil.FileExists(l.Tokenizer) {
			desc.Tokenizer = types.TokenizerSentencePiece
		}
	}
	return desc, nil
}

// Acquire makes desc's artifacts present and valid on disk, loads them and
// installs them as the active session. Progress is delivered to sink (which
// may be nil) and to subscribers. The returned message is suitable for
// display. On failure the previous session is left untouched.
func (m *Manager) Acquire(ctx context.Context, desc types.ModelDescriptor, sink acquire.Sink) (string, error) {
	desc, err := m.resolveDescriptor(desc)
	if err != nil {
		return "", err
	}
	m.acquiring.Add(1)
	defer m.acquiring.Add(-1)

	fanout := func(ev types.ProgressEvent) {
		m.pub.Publish(events.Event{Name: "progress", Model: ev.Model, Progress: &ev})
		if sink != nil {
			sink(ev)
		}
	}
	res, err := m.acq.Acquire(ctx, desc, fanout)
	if err != nil {
		m.setErr(err)
		m.pub.Publish(events.Event{Name: "acquire_failed", Model: desc.Name, Fields: map[string]any{"error": err.Error()}})
		return "", err
	}
	h := session.NewHandle(desc.Name, res.Layout.Model, res.Model, res.Tokenizer, desc.TokenizerKind(), m.log)
	m.state.Set(h)
	m.loads.Add(1)
	m.setErr(nil)
	m.log.Info().Str("model", desc.Name).Str("path", res.Layout.Model).Str("tokenizer", h.TokenizerKind).Msg("event=model_active")
	m.pub.Publish(events.Event{Name: "model_active", Model: desc.Name, Fields: map[string]any{"path": res.Layout.Model, "existing": res.Existing}})
	if res.Existing {
		return fmt.Sprintf("Model %s already exists and is valid.", desc.Name), nil
	}
	return fmt.Sprintf("Successfully downloaded and validated model %s", desc.Name), nil
}

// Delete removes a model's directory. When the active session was loaded
// from that directory it is evicted first. Deleting a model that is not on
// disk succeeds with an informational message.
func (m *Manager) Delete(name string) (string, error) {
	const op = "delete_model"
	layout, err := m.reg.Resolve(name)
	if err != nil {
		return "", apperr.New(apperr.KindInvalid, op, err)
	}
	if !fsutil.PathExists(layout.Dir) {
		return fmt.Sprintf("Model %s does not exist", name), nil
	}
	if m.state.ClearIf(layout.Dir) {
		m.log.Info().Str("model", name).Msg("event=model_evicted")
		m.pub.Publish(events.Event{Name: "model_evicted", Model: name})
	}
	if err := os.RemoveAll(layout.Dir); err != nil {
		err = apperr.New(apperr.KindIO, op, err)
		m.setErr(err)
		return "", err
	}
	m.pub.Publish(events.Event{Name: "model_deleted", Model: name})
	return fmt.Sprintf("Successfully deleted model %s", name), nil
}
