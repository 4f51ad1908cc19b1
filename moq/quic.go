package moq

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/quic-go/quic-go"
)

const (
	// alpn is the application protocol negotiated with the relay.
	alpn = "marmot-moq"

	dialTimeout = 15 * time.Second
	openTimeout = 10 * time.Second
)

// DialConfig configures a QUIC relay session.
type DialConfig struct {
	// URL is the relay endpoint, scheme "moq" or "moqs".
	URL string

	// TLS overrides the default TLS client configuration. The ALPN
	// list is forced to the relay protocol either way.
	TLS *tls.Config
}

// Dial opens a QUIC session to the relay.
func Dial(ctx context.Context, cfg *DialConfig) (Conn, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("moq: invalid URL: %v", err)
	}
	if u.Scheme != "moq" && u.Scheme != "moqs" {
		return nil, fmt.Errorf("moq: invalid URL scheme %q", u.Scheme)
	}
	host := u.Host
	if u.Port() == "" {
		host += ":4443"
	}

	tlsConf := cfg.TLS
	if tlsConf == nil {
		tlsConf = &tls.Config{ServerName: u.Hostname()}
	} else {
		tlsConf = tlsConf.Clone()
	}
	tlsConf.NextProtos = []string{alpn}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, host, tlsConf, &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return nil, &trackError{reason: fmt.Sprintf("dial %s: %v", host, err), transient: true}
	}
	return &quicConn{conn: conn}, nil
}

type quicConn struct {
	conn quic.Connection
}

func (q *quicConn) open(ctx context.Context, msg *controlMessage) (quic.Stream, error) {
	openCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	stream, err := q.conn.OpenStreamSync(openCtx)
	if err != nil {
		return nil, &trackError{reason: fmt.Sprintf("open stream: %v", err), transient: true}
	}
	if err := cbor.NewEncoder(stream).Encode(msg); err != nil {
		stream.Close()
		return nil, &trackError{reason: fmt.Sprintf("send control: %v", err), transient: true}
	}
	var reply controlMessage
	if err := cbor.NewDecoder(stream).Decode(&reply); err != nil {
		stream.Close()
		return nil, &trackError{reason: fmt.Sprintf("read control reply: %v", err), transient: true}
	}
	switch reply.Type {
	case msgOK:
		return stream, nil
	case msgError:
		stream.Close()
		// The relay refusing a track by name is retryable (the
		// publisher may simply not have announced yet); a bad
		// capability is not.
		transient := reply.Reason != "unauthorized"
		return nil, &trackError{reason: reply.Reason, transient: transient}
	default:
		stream.Close()
		return nil, &trackError{reason: fmt.Sprintf("unexpected control reply %q", reply.Type)}
	}
}

func (q *quicConn) OpenPublish(ctx context.Context, track, auth string) (TrackWriter, error) {
	stream, err := q.open(ctx, &controlMessage{Type: msgPublish, Track: track, Auth: auth})
	if err != nil {
		return nil, err
	}
	return &quicTrackWriter{stream: stream, enc: cbor.NewEncoder(stream)}, nil
}

func (q *quicConn) OpenSubscribe(ctx context.Context, track string, cursor uint64, auth string) (TrackReader, error) {
	stream, err := q.open(ctx, &controlMessage{
		Type:   msgSubscribe,
		Track:  track,
		Cursor: cursor,
		Auth:   auth,
	})
	if err != nil {
		return nil, err
	}
	return &quicTrackReader{stream: stream, dec: cbor.NewDecoder(stream)}, nil
}

func (q *quicConn) Close() error {
	return q.conn.CloseWithError(0, "closed")
}

type quicTrackWriter struct {
	sync.Mutex
	stream quic.Stream
	enc    *cbor.Encoder
	seq    uint64
}

func (w *quicTrackWriter) WriteFrame(payload []byte) error {
	w.Lock()
	defer w.Unlock()
	w.seq++
	if err := w.enc.Encode(&frameMessage{Seq: w.seq, Payload: payload}); err != nil {
		return &trackError{reason: fmt.Sprintf("write frame: %v", err), transient: true}
	}
	return nil
}

func (w *quicTrackWriter) Close() error {
	return w.stream.Close()
}

type quicTrackReader struct {
	stream quic.Stream
	dec    *cbor.Decoder
}

func (r *quicTrackReader) ReadFrame() (uint64, []byte, error) {
	var msg frameMessage
	if err := r.dec.Decode(&msg); err != nil {
		return 0, nil, &trackError{reason: fmt.Sprintf("read frame: %v", err), transient: true}
	}
	return msg.Seq, msg.Payload, nil
}

func (r *quicTrackReader) Close() error {
	r.stream.CancelRead(0)
	return r.stream.Close()
}
