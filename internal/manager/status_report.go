package manager

import (
	"time"

	"chatd/pkg/types"
)

// Ready reports whether a model is loaded and chat can be served.
func (m *Manager) Ready() bool {
	_, _, ok := m.state.Peek()
	return ok
}

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	st := m.pool.Stats()
	now := time.Now()
	resp := types.StatusResponse{
		QueueLen:       st.Waiting,
		Inflight:       st.Running,
		MaxQueueDepth:  st.MaxQueueDepth,
		Acquiring:      int(m.acquiring.Load()),
		UptimeSeconds:  int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix: now.Unix(),
		LoadsTotal:     uint64(m.loads.Load()),
		ChatsTotal:     uint64(m.chats.Load()),
	}
	if h := m.state.Get(); h != nil {
		resp.Active = &types.ActiveModel{
			Name:      h.Name,
			Path:      h.Path,
			Tokenizer: h.TokenizerKind,
			// minus the reference taken here
			Refs: h.Refs() - 1,
		}
		h.Release()
	}
	m.mu.Lock()
	resp.LastError = m.lastErr
	m.mu.Unlock()
	return resp
}
