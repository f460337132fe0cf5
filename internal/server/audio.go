package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/types"
)

// handleAudio serves the microphone socket. Binary frames are int16 PCM fed
// to the session's detector; text frames are control messages. The server
// answers with stop_audio on a barge-in and commit at the end of an
// utterance.
//
// Clients that cannot capture 16 kHz mono declare their format with the
// rate and channels query parameters and the frames are converted.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	in, err := parseMicFormat(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, ok := s.session(w, r, "")
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.log.Error("server: websocket accept", "session_id", sess.ID, "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	conn.SetReadLimit(maxFrameSize)

	detach := sess.Attach()
	defer detach()

	// Neither the socket nor a stale speech episode may outlive the client.
	defer func() {
		sess.Coordinator.OnSilence()
		sess.Detector.Reset()
		sess.Touch(s.now())
	}()

	ctx := observe.WithSession(r.Context(), sess.ID)
	log := observe.Logger(ctx)
	log.Info("server: audio socket connected", "remote", r.RemoteAddr)

	a := &audioConn{s: s, conn: conn, sess: sess, in: in, start: s.now()}
	if in != audio.Mic {
		a.conv = &audio.FormatConverter{Target: audio.Mic, Log: log}
		log.Debug("server: converting microphone audio", "rate", in.SampleRate, "channels", in.Channels)
	}
	if err := a.send(ctx, serverMessage{Type: msgSession, ID: sess.ID}); err != nil {
		log.Debug("server: audio socket write", "err", err)
		return
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway ||
				errors.Is(err, context.Canceled) {
				log.Info("server: audio socket disconnected")
			} else {
				log.Debug("server: audio socket read", "err", err)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if err := a.onAudio(ctx, data); err != nil {
				log.Debug("server: audio socket write", "err", err)
				return
			}
		case websocket.MessageText:
			a.onControl(data)
		}
	}
}

// audioConn is the per-socket state. It is only used from the read loop.
type audioConn struct {
	s    *Server
	conn *websocket.Conn
	sess *session.Session

	in    audio.Format
	conv  *audio.FormatConverter
	start time.Time

	lastInterrupt time.Time
	lastCommit    time.Time
}

func (a *audioConn) send(ctx context.Context, msg serverMessage) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, a.conn, msg)
}

// onAudio runs one frame through the detector and reports speech and commit
// signals, each rate limited by its cooldown.
func (a *audioConn) onAudio(ctx context.Context, frame []byte) error {
	if a.conv != nil {
		out := a.conv.Convert(types.AudioFrame{
			Data:       frame,
			SampleRate: a.in.SampleRate,
			Channels:   a.in.Channels,
			Timestamp:  a.s.now().Sub(a.start),
		})
		if len(out.Data) == 0 {
			return nil
		}
		frame = out.Data
	}
	// A classifier failure still yields signals: the window counted as voiced.
	sig, err := a.sess.Detector.SubmitFrame(frame)
	if err != nil {
		a.s.log.Warn("server: detector", "session_id", a.sess.ID, "err", err)
	}
	now := a.s.now()
	a.sess.Touch(now)

	if sig.SpeechDetected && now.Sub(a.lastInterrupt) > a.s.interruptCooldown {
		if a.sess.Coordinator.OnUserSpeech() {
			a.lastInterrupt = now
			a.s.metrics.RecordBargeIn(ctx)
			if err := a.send(ctx, serverMessage{Type: msgStopAudio}); err != nil {
				return err
			}
		}
	}

	if sig.TurnCommitted && now.Sub(a.lastCommit) > a.s.commitCooldown {
		a.lastCommit = now
		a.s.metrics.RecordCommit(ctx, string(a.sess.Detector.State().Language))
		if err := a.send(ctx, serverMessage{Type: msgCommit}); err != nil {
			return err
		}
		a.sess.Coordinator.OnSilence()
	}
	return nil
}

// onControl applies a client control message. Malformed messages are
// dropped.
func (a *audioConn) onControl(raw []byte) {
	msg, err := a.s.parseControl(raw)
	if err != nil {
		a.s.log.Debug("server: ignoring control message", "session_id", a.sess.ID, "err", err)
		return
	}
	switch msg.Type {
	case msgAIState:
		switch msg.Status {
		case statusSpeaking:
			a.sess.Detector.SetStrictMode(true)
		case statusListening:
			a.sess.Detector.SetStrictMode(false)
			// Echo frames buffered while the agent spoke must not trigger
			// speech right after the switch.
			a.sess.Detector.Reset()
		}
	case msgLangUpdate:
		l := types.LangEnglish
		if msg.Lang != "" {
			l = types.Language(strings.ToLower(msg.Lang))
		}
		a.sess.Detector.SetLanguage(l)
	}
}

// parseMicFormat reads the optional rate and channels query parameters.
// Missing values default to the detector's own format.
func parseMicFormat(r *http.Request) (audio.Format, error) {
	f := audio.Mic
	q := r.URL.Query()
	if v := q.Get("rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 8000 || n > 192000 {
			return f, errors.New("rate must be an integer between 8000 and 192000")
		}
		f.SampleRate = n
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || (n != 1 && n != 2) {
			return f, errors.New("channels must be 1 or 2")
		}
		f.Channels = n
	}
	return f, nil
}
