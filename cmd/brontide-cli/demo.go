package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/sage-x-project/brontide/config"
	"github.com/sage-x-project/brontide/internal/metrics"
	"github.com/sage-x-project/brontide/pkg/brontide/session"
	"github.com/sage-x-project/brontide/pkg/brontide/wire"
	"github.com/sage-x-project/brontide/pkg/storage"
	"github.com/sage-x-project/brontide/pkg/storage/memory"
	"github.com/sage-x-project/brontide/pkg/storage/postgres"
)

var (
	demoPings    int
	demoPort     int
	demoAuditEnv string
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a loopback handshake + framing + re-key demo over a local websocket",
	Long: `demo starts a websocket server on 127.0.0.1, dials it from a client in the
same process, and drives both ends' Sessions through a full BIP151-style
handshake, a run of encrypted ping frames, and one explicit re-key partway
through - printing each stage as it happens.

The re-key uses the explicit BuildRekey signal rather than waiting out the
default 10s/1GiB automatic thresholds, so the demo stays deterministic and
quick regardless of --pings.

Both Sessions are wired with a WithAuditHook that records their handshake
and rekey events to a storage.AuditStore: the in-memory store by default,
or PostgreSQL if the loaded configuration's audit.enabled is true and
audit.dsn is set. The recorded events are printed at the end of the run.`,
	Example: `  # Default demo: handshake, 5 pings, one re-key at the midpoint
  brontide-cli demo

  # A longer run
  brontide-cli demo --pings 20`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)

	demoCmd.Flags().IntVarP(&demoPings, "pings", "n", 5, "Number of ping frames to exchange after the handshake")
	demoCmd.Flags().IntVarP(&demoPort, "port", "p", 0, "TCP port to listen on (0 = pick automatically)")
	demoCmd.Flags().StringVarP(&demoAuditEnv, "env", "e", "", "Environment to load audit/metrics config from (default: auto-detect)")
}

// newAuditStore builds the storage.AuditStore the demo's two Sessions
// record handshake/rekey events to: PostgreSQL when audit.enabled and
// audit.dsn are both set, otherwise the in-memory store. A failed
// PostgreSQL connection also falls back to memory and prints why; missing
// or disabled audit config falls back silently.
func newAuditStore(ctx context.Context) storage.AuditStore {
	cfg, err := config.Load(config.LoaderOptions{Environment: demoAuditEnv, DotEnvPath: ".env"})
	if err != nil || cfg.Audit == nil || !cfg.Audit.Enabled || cfg.Audit.DSN == "" {
		return memory.NewStore()
	}

	store, err := postgres.NewStoreFromDSN(ctx, cfg.Audit.DSN)
	if err != nil {
		fmt.Printf("audit: could not connect to %s, falling back to in-memory store: %v\n", cfg.Audit.DSN, err)
		return memory.NewStore()
	}
	return store
}

// frame tags multiplex the three kinds of websocket binary messages the
// demo exchanges: the two handshake messages and, once both Sessions are
// up, opaque ciphertext frames produced by Session.Pack.
const (
	frameEncInit byte = 0
	frameEncAck  byte = 1
	frameData    byte = 2
)

var demoUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// demoHandler prints each Session event to stdout, prefixed with the
// peer's name, matching the spec's event taxonomy (handshake, rekey,
// packet, error), and remembers the last decoded inner message so the
// responder can echo it back without re-deriving it from raw ciphertext.
type demoHandler struct {
	name string

	mu       sync.Mutex
	lastCmd  string
	lastBody []byte
}

func (h *demoHandler) OnHandshake() { fmt.Printf("[%s] handshake complete\n", h.name) }
func (h *demoHandler) OnRekey()     { fmt.Printf("[%s] re-keyed\n", h.name) }
func (h *demoHandler) OnPacket(cmd string, body []byte) {
	h.mu.Lock()
	h.lastCmd = cmd
	h.lastBody = append([]byte(nil), body...)
	h.mu.Unlock()
	fmt.Printf("[%s] received %q: %q\n", h.name, cmd, body)
}
func (h *demoHandler) OnError(err error) { fmt.Printf("[%s] error: %v\n", h.name, err) }

func (h *demoHandler) last() (string, []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastCmd, h.lastBody
}

func runDemo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	auditStore := newAuditStore(ctx)
	defer auditStore.Close()

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", demoPort))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	addr := ln.Addr().String()

	serverDone := make(chan error, 1)
	var responderSessionID string
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := demoUpgrader.Upgrade(w, r, nil)
		if err != nil {
			serverDone <- fmt.Errorf("upgrade: %w", err)
			return
		}
		defer conn.Close()
		serverDone <- runPeer("responder", conn, false, auditStore, &responderSessionID)
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	defer srv.Close()

	dialer := websocket.Dialer{}
	clientConn, _, err := dialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer clientConn.Close()

	var initiatorSessionID string
	clientErr := runPeer("initiator", clientConn, true, auditStore, &initiatorSessionID)
	if clientErr != nil {
		return clientErr
	}
	if err := <-serverDone; err != nil {
		return err
	}

	printAuditHistory(ctx, auditStore, "initiator", initiatorSessionID)
	printAuditHistory(ctx, auditStore, "responder", responderSessionID)
	printCollectorSnapshot()
	return nil
}

// printCollectorSnapshot reports the process-wide BrontideCollector's view
// of the run just completed - the same counters session.go fed into it
// alongside the Prometheus metrics, presented without needing a scrape.
func printCollectorSnapshot() {
	snap := metrics.GetGlobalCollector().Snapshot()
	fmt.Printf("collector: %d handshakes started, %d succeeded, %d timed out (avg %.0fus, p95 %dus)\n",
		snap.HandshakesStarted, snap.HandshakesSucceeded, snap.HandshakesTimedOut,
		snap.AvgHandshakeTimeUs, snap.P95HandshakeTimeUs)
	fmt.Printf("collector: %d frames packed (avg %.0fus), %d frames fed (avg %.0fus, %.1f%% auth failures), %d rekeys\n",
		snap.FramesPacked, snap.AvgPackTimeUs, snap.FramesFed, snap.AvgFeedTimeUs,
		snap.FrameAuthFailureRate(), snap.RekeysTriggered)
}

func printAuditHistory(ctx context.Context, store storage.AuditStore, name, sessionID string) {
	events, err := store.List(ctx, sessionID, 10)
	if err != nil {
		fmt.Printf("[%s] audit history: %v\n", name, err)
		return
	}
	for _, e := range events {
		fmt.Printf("[%s] audit: %s at %s\n", name, e.Kind, e.At.Format(time.RFC3339Nano))
	}
}

// runPeer drives one side of the demo's Session: the handshake, a run of
// ping frames (initiator only sends; responder only replies), and the
// forced re-key. isInitiator selects which side of the 4-message
// handshake sequence (spec section 4.2) this peer plays. The Session's
// handshake/rekey events are recorded to auditStore via WithAuditHook,
// and its id is written back through sessionID for the caller to look
// the history up afterward.
func runPeer(name string, conn *websocket.Conn, isInitiator bool, auditStore storage.AuditStore, sessionID *string) error {
	handler := &demoHandler{name: name}
	auditHook := func(e session.AuditEvent) {
		ctx := context.Background()
		var err error
		switch e.Kind {
		case "handshake":
			err = auditStore.RecordHandshake(ctx, e.SessionID, e.At)
		case "rekey":
			err = auditStore.RecordRekey(ctx, e.SessionID, e.At)
		}
		if err != nil {
			fmt.Printf("[%s] audit hook: %v\n", name, err)
		}
	}
	sess, err := session.New(session.WithEventHandler(handler), session.WithAuditHook(auditHook))
	if err != nil {
		return fmt.Errorf("%s: new session: %w", name, err)
	}
	*sessionID = sess.ID()
	defer sess.Destroy()

	if err := handshake(name, sess, conn, isInitiator); err != nil {
		return fmt.Errorf("%s: handshake: %w", name, err)
	}
	if err := sess.Wait(10 * time.Second); err != nil {
		return fmt.Errorf("%s: wait for handshake: %w", name, err)
	}
	fmt.Printf("[%s] session id %s ready\n", name, sess.ID())

	if isInitiator {
		return runInitiatorPings(name, sess, conn)
	}
	return runResponderEcho(name, sess, conn, handler)
}

// handshake exchanges the four EncInit/EncAck messages over conn,
// following the exact sequence performHandshake-style tests drive against
// two in-process Sessions (spec section 8 scenario 1), just relayed over
// the wire instead of called directly.
func handshake(name string, sess *session.Session, conn *websocket.Conn, isInitiator bool) error {
	send := func(tag byte, payload []byte) error {
		return conn.WriteMessage(websocket.BinaryMessage, append([]byte{tag}, payload...))
	}
	recv := func() (byte, []byte, error) {
		_, data, err := conn.ReadMessage()
		if err != nil || len(data) == 0 {
			return 0, nil, fmt.Errorf("read handshake message: %w", err)
		}
		return data[0], data[1:], nil
	}

	if isInitiator {
		init1, err := sess.BuildEncInit()
		if err != nil {
			return err
		}
		if err := send(frameEncInit, init1.Encode()); err != nil {
			return err
		}

		tag, body, err := recv()
		if err != nil || tag != frameEncAck {
			return fmt.Errorf("expected EncAck, got tag=%d err=%v", tag, err)
		}
		ack, err := wire.DecodeEncAck(body)
		if err != nil {
			return err
		}
		if err := sess.OnEncAck(ack); err != nil {
			return err
		}

		tag, body, err = recv()
		if err != nil || tag != frameEncInit {
			return fmt.Errorf("expected EncInit, got tag=%d err=%v", tag, err)
		}
		peerInit, err := wire.DecodeEncInit(body)
		if err != nil {
			return err
		}
		if err := sess.OnEncInit(peerInit); err != nil {
			return err
		}

		ack2, err := sess.BuildEncAck()
		if err != nil {
			return err
		}
		return send(frameEncAck, ack2.Encode())
	}

	tag, body, err := recv()
	if err != nil || tag != frameEncInit {
		return fmt.Errorf("expected EncInit, got tag=%d err=%v", tag, err)
	}
	peerInit, err := wire.DecodeEncInit(body)
	if err != nil {
		return err
	}
	if err := sess.OnEncInit(peerInit); err != nil {
		return err
	}

	ack1, err := sess.BuildEncAck()
	if err != nil {
		return err
	}
	if err := send(frameEncAck, ack1.Encode()); err != nil {
		return err
	}

	init2, err := sess.BuildEncInit()
	if err != nil {
		return err
	}
	if err := send(frameEncInit, init2.Encode()); err != nil {
		return err
	}

	tag, body, err = recv()
	if err != nil || tag != frameEncAck {
		return fmt.Errorf("expected EncAck, got tag=%d err=%v", tag, err)
	}
	ack, err := wire.DecodeEncAck(body)
	if err != nil {
		return err
	}
	return sess.OnEncAck(ack)
}

func runInitiatorPings(name string, sess *session.Session, conn *websocket.Conn) error {
	// Force one explicit re-key partway through the run, using the same
	// signal-then-rekey-own-output order TestRekeyRoundTrip's successful
	// subtest proves out: the peer must apply the signal to its input
	// Stream before we rekey our output, or the next frame's tag won't
	// verify on its side (spec section 6).
	rekeyAt := -1
	if demoPings > 1 {
		rekeyAt = demoPings / 2
	}

	for i := 0; i < demoPings; i++ {
		if i == rekeyAt {
			signal, err := sess.BuildRekey()
			if err != nil {
				return fmt.Errorf("build rekey signal: %w", err)
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, append([]byte{frameEncAck}, signal.Encode()...)); err != nil {
				return fmt.Errorf("send rekey signal: %w", err)
			}
			if err := sess.Output().Rekey(nil, nil); err != nil {
				return fmt.Errorf("rekey own output: %w", err)
			}
			fmt.Printf("[%s] sent re-key signal and rekeyed output\n", name)
		}

		body := make([]byte, 8)
		binary.LittleEndian.PutUint64(body, uint64(i))

		frame, err := sess.Pack("ping", body)
		if err != nil {
			return fmt.Errorf("pack ping %d: %w", i, err)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, append([]byte{frameData}, frame...)); err != nil {
			return fmt.Errorf("send ping %d: %w", i, err)
		}
		fmt.Printf("[%s] sent ping %d\n", name, i)

		tag, data, err := recvTagged(conn)
		if err != nil {
			return fmt.Errorf("recv pong %d: %w", i, err)
		}
		if tag != frameData {
			return fmt.Errorf("unexpected reply tag %d for pong %d", tag, i)
		}
		sess.Feed(data)
	}
	return nil
}

// recvTagged reads one websocket binary message and splits off its
// leading frame tag byte.
func recvTagged(conn *websocket.Conn) (byte, []byte, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("empty message")
	}
	return data[0], data[1:], nil
}

func runResponderEcho(name string, sess *session.Session, conn *websocket.Conn, handler *demoHandler) error {
	for i := 0; i < demoPings; i++ {
		tag, data, err := recvTagged(conn)
		if err != nil {
			return fmt.Errorf("recv ping %d: %w", i, err)
		}

		if tag == frameEncAck {
			ack, err := wire.DecodeEncAck(data)
			if err != nil {
				return fmt.Errorf("decode rekey signal: %w", err)
			}
			if err := sess.OnEncAck(ack); err != nil {
				return fmt.Errorf("apply rekey signal: %w", err)
			}
			fmt.Printf("[%s] applied peer's re-key signal\n", name)

			tag, data, err = recvTagged(conn)
			if err != nil {
				return fmt.Errorf("recv ping %d after rekey: %w", i, err)
			}
		}

		if tag != frameData {
			return fmt.Errorf("unexpected request tag %d for ping %d", tag, i)
		}
		sess.Feed(data)

		_, body := handler.last()
		frame, err := sess.Pack("pong", body)
		if err != nil {
			return fmt.Errorf("pack pong %d: %w", i, err)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, append([]byte{frameData}, frame...)); err != nil {
			return fmt.Errorf("send pong %d: %w", i, err)
		}
		fmt.Printf("[%s] echoed pong %d\n", name, i)
	}
	return nil
}
