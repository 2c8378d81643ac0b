package syncproto

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/goatplatform/goatdb-core/session"
)

// signatureTTL bounds the clock-drift window a request's X-Session-Signature
// timestamp may fall within (spec.md §6: "Requests older than 5 minutes
// (ts drift) are rejected with 401").
const signatureTTL = 5 * time.Minute

// HTTPTransport implements Transport over the wire protocol of spec.md §6:
// plain HTTP POST with JSON bodies, each request signed by the caller's
// session over {method, path, ts}.
type HTTPTransport struct {
	Client  *http.Client
	Signer  *session.Session
	NowUnix func() int64
}

// NewHTTPTransport builds an HTTPTransport signing every request with
// signer.
func NewHTTPTransport(signer *session.Session) *HTTPTransport {
	return &HTTPTransport{Client: http.DefaultClient, Signer: signer, NowUnix: func() int64 { return time.Now().Unix() }}
}

func (t *HTTPTransport) sign(method, path string, ts int64) (string, error) {
	payload := fmt.Sprintf("%s|%s|%d", method, path, ts)
	sig, err := t.Signer.Sign([]byte(payload))
	if err != nil {
		return "", errors.Wrap(err, "sign request")
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (t *HTTPTransport) post(ctx context.Context, peerAddr, path string, body interface{}, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode request body")
	}
	url := peerAddr + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	ts := t.NowUnix()
	sig, err := t.sign(http.MethodPost, path, ts)
	if err != nil {
		return err
	}
	req.Header.Set("X-Session-Signature", fmt.Sprintf("%s;%s;%d", t.Signer.ID, sig, ts))

	resp, err := t.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response body")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("sync request to %s failed: status %d: %s", url, resp.StatusCode, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrap(err, "decode response body")
		}
	}
	return nil
}

// ExchangeBloom implements Transport.
func (t *HTTPTransport) ExchangeBloom(ctx context.Context, peerAddr, repoPath string, req *BloomReq) (*BloomRsp, error) {
	var rsp BloomRsp
	if err := t.post(ctx, peerAddr, "/sync/"+repoPath, req, &rsp); err != nil {
		return nil, err
	}
	return &rsp, nil
}

// Push implements Transport.
func (t *HTTPTransport) Push(ctx context.Context, peerAddr, repoPath string, push *Push) (*PushAck, error) {
	var ack PushAck
	if err := t.post(ctx, peerAddr, "/sync/push/"+repoPath, push, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// VerifyRequestSignature checks the X-Session-Signature header a server
// receives against store, rejecting stale timestamps per spec.md §6. It is
// provided for the external HTTP router to call before dispatching to the
// handlers below; routing itself is out of scope.
func VerifyRequestSignature(store *session.Store, header, method, path string, now time.Time) error {
	parts := splitHeader(header)
	if len(parts) != 3 {
		return errors.New("malformed X-Session-Signature header")
	}
	sessionID, sigB64 := parts[0], parts[1]
	var ts int64
	if _, err := fmt.Sscanf(parts[2], "%d", &ts); err != nil {
		return errors.New("malformed X-Session-Signature timestamp")
	}
	if now.Sub(time.Unix(ts, 0)) > signatureTTL || time.Unix(ts, 0).Sub(now) > signatureTTL {
		return errors.New("X-Session-Signature timestamp outside allowed drift")
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return errors.Wrap(err, "decode signature")
	}
	s, err := store.Lookup(sessionID)
	if err != nil {
		return err
	}
	payload := fmt.Sprintf("%s|%s|%d", method, path, ts)
	if !s.Verify([]byte(payload), sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

func splitHeader(h string) []string {
	var out []string
	start := 0
	for i := 0; i < len(h); i++ {
		if h[i] == ';' {
			out = append(out, h[start:i])
			start = i + 1
		}
	}
	out = append(out, h[start:])
	return out
}
