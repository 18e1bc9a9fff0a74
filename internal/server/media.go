package server

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"call-me/internal/session"
)

// streamMessage is the JSON control frame on the media WebSocket, inbound and
// outbound.
type streamMessage struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	StreamID  string        `json:"stream_id,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
}

type startPayload struct {
	StreamSid     string `json:"streamSid,omitempty"`
	CallControlID string `json:"call_control_id,omitempty"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
	Track   string `json:"track,omitempty"`
}

// handleMediaStream upgrades the carrier's media connection, binds it to the
// session named by the token, and pumps caller audio into the recognizer.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	sess, ok := s.engine.Registry().ByToken(token)
	if !ok || !tokenMatches(token, sess.Token) {
		if !s.cfg.AllowUnsigned {
			s.logger.Warn("media stream token rejected", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	if sess == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // carriers connect from arbitrary origins
	})
	if err != nil {
		s.logger.Error("media websocket accept failed", "session_id", sess.ID, "error", err)
		return
	}

	mc := &mediaConn{conn: conn, open: true}
	sess.AttachMedia(mc)
	s.logger.Info("media stream connected", "session_id", sess.ID)

	defer mc.Close()
	s.mediaReadLoop(r.Context(), sess, conn)
}

// mediaReadLoop demultiplexes inbound control messages until the stream ends.
// Malformed JSON is logged and skipped; only a read error or a stop event
// terminates the loop.
func (s *Server) mediaReadLoop(ctx context.Context, sess *session.Session, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.logger.Debug("media stream closed", "session_id", sess.ID, "error", err)
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("media stream bad json", "session_id", sess.ID, "error", err)
			continue
		}

		switch msg.Event {
		case "start":
			sid := msg.StreamSid
			if sid == "" && msg.Start != nil {
				sid = msg.Start.StreamSid
			}
			if sid == "" {
				sid = msg.StreamID
			}
			sess.SetStreamSid(sid)
			sess.MarkReady()
			s.logger.Info("media stream started", "session_id", sess.ID, "stream_sid", sid)

		case "media":
			if msg.Media == nil || !inboundTrack(msg.Media.Track) {
				continue
			}
			audioData, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				s.logger.Debug("media payload bad base64", "session_id", sess.ID)
				continue
			}
			if stt := sess.STT(); stt != nil {
				if err := stt.SendAudio(audioData); err != nil {
					s.logger.Debug("stt send failed", "session_id", sess.ID, "error", err)
				}
			}

		case "stop":
			s.logger.Info("media stream stopped", "session_id", sess.ID)
			sess.MarkHungUp()
			return
		}
	}
}

// inboundTrack reports whether a media track label carries caller voice.
// Frames on the outbound track are the process's own audio echoed back.
func inboundTrack(track string) bool {
	return track == "" || track == "inbound" || track == "inbound_track"
}

func tokenMatches(presented, stored string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(stored)) == 1
}

// mediaConn implements session.MediaConn over the accepted WebSocket.
type mediaConn struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	open      bool
	closeOnce sync.Once
}

// SendMedia serializes one mu-law frame as a media control message. The
// stream sub-identifier is included whenever the session holds one.
func (m *mediaConn) SendMedia(ctx context.Context, mulaw []byte, streamSid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return nil
	}

	data, err := json.Marshal(streamMessage{
		Event:     "media",
		StreamSid: streamSid,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
	if err != nil {
		return err
	}
	return m.conn.Write(ctx, websocket.MessageText, data)
}

func (m *mediaConn) Open() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *mediaConn) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.open = false
		m.mu.Unlock()
		m.conn.Close(websocket.StatusNormalClosure, "stream ended")
	})
	return nil
}

var _ session.MediaConn = (*mediaConn)(nil)
