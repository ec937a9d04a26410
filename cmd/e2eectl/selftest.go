package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/quantarax/e2ee/internal/audit"
	"github.com/quantarax/e2ee/internal/channel"
	"github.com/quantarax/e2ee/internal/config"
	"github.com/quantarax/e2ee/internal/crypto"
	"github.com/quantarax/e2ee/internal/crypto/handshake"
	"github.com/quantarax/e2ee/internal/crypto/identity"
	"github.com/quantarax/e2ee/internal/observability"
	"github.com/spf13/cobra"
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run a full channel round trip between two in-process endpoints",
	Long: `selftest performs a signed handshake between two throwaway devices,
exchanges a message in each direction, rotates keys, checks the grace
period and round-trips an encrypted stream.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		report, err := runSelfTest(cmd.Context(), e.cfg, e.logger, e.audit, nil)
		if err != nil {
			return fmt.Errorf("self-test failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session   %s\n", report.SessionID)
		fmt.Fprintf(cmd.OutOrStdout(), "sas       %s\n", report.SAS)
		fmt.Fprintf(cmd.OutOrStdout(), "versions  %d -> %d\n", report.FromVersion, report.ToVersion)
		fmt.Fprintf(cmd.OutOrStdout(), "stream    %d bytes in %d chunks\n", report.StreamBytes, report.StreamChunks)
		fmt.Fprintf(cmd.OutOrStdout(), "elapsed   %s\n", report.Elapsed.Round(time.Microsecond))
		fmt.Fprintln(cmd.OutOrStdout(), "OK")
		return nil
	},
}

type selfTestReport struct {
	SessionID    uuid.UUID
	SAS          string
	FromVersion  uint32
	ToVersion    uint32
	StreamBytes  int64
	StreamChunks uint64
	Elapsed      time.Duration
}

// selfTestClock lets the self-test step past the grace period without
// sleeping.
type selfTestClock struct {
	offset time.Duration
}

func (c *selfTestClock) now() time.Time { return time.Now().Add(c.offset) }

func runSelfTest(ctx context.Context, cfg *config.Config, logger *observability.Logger, sink audit.Sink, metrics *observability.Metrics) (*selfTestReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	sessionID := uuid.New()
	clock := &selfTestClock{}

	ca := identity.NewAuthority(identity.WithIssuer(cfg.Certificates.Issuer), identity.WithLifetime(cfg.Certificates.Lifetime))
	client, err := newSelfTestEndpoint(ca, sessionID, "selftest-initiator", metrics)
	if err != nil {
		return nil, err
	}
	defer client.Identity.Destroy()
	server, err := newSelfTestEndpoint(ca, sessionID, "selftest-responder", metrics)
	if err != nil {
		return nil, err
	}
	defer server.Identity.Destroy()

	clientRes, serverRes, err := pipeHandshake(client, server)
	if metrics != nil {
		metrics.RecordCertificate("verify", err == nil)
	}
	if err != nil {
		return nil, err
	}
	if clientRes.SAS() != serverRes.SAS() {
		return nil, errors.New("short authentication strings differ")
	}
	sas := clientRes.SAS()

	var b *channel.Session
	exchange := channel.ExchangerFunc(func(ctx context.Context, _ uuid.UUID, version uint32, pub [crypto.KeySize]byte) ([]byte, error) {
		reply, err := b.AcceptRotation(ctx, version, pub[:])
		if err != nil {
			return nil, err
		}
		return reply[:], nil
	})

	opts := []channel.Option{channel.WithClock(clock.now), channel.WithLogger(logger), channel.WithAudit(sink)}
	if metrics != nil {
		opts = append(opts, channel.WithMetrics(metrics))
	}
	a := channel.NewManager(cfg, append(opts, channel.WithExchanger(exchange))...).NewSession(sessionID)
	b = channel.NewManager(cfg, opts...).NewSession(sessionID)
	defer a.Retire(ctx)
	defer b.Retire(ctx)

	if err := a.Install(ctx, clientRes.Keys); err != nil {
		return nil, err
	}
	if err := b.Install(ctx, serverRes.Keys); err != nil {
		return nil, err
	}

	if err := exchangeMessage(a, b, []byte("Hello, secure world")); err != nil {
		return nil, err
	}
	if err := exchangeMessage(b, a, []byte("hello back")); err != nil {
		return nil, err
	}

	from := a.KeyVersion()
	inFlight, err := a.Encrypt([]byte("sent before rotation"))
	if err != nil {
		return nil, err
	}
	if err := a.Rotate(ctx); err != nil {
		return nil, fmt.Errorf("rotation: %w", err)
	}
	if a.KeyVersion() != from+1 || b.KeyVersion() != from+1 {
		return nil, fmt.Errorf("rotation left versions %d/%d", a.KeyVersion(), b.KeyVersion())
	}
	retains := cfg.Keys.RotationGracePeriod > 0 && cfg.Keys.MaxRetainedVersions > 0
	if retains {
		if _, err := b.Decrypt(inFlight); err != nil {
			return nil, fmt.Errorf("in-flight message during grace: %w", err)
		}
	}
	if err := exchangeMessage(a, b, []byte("after rotation")); err != nil {
		return nil, err
	}

	if retains {
		clock.offset = cfg.Keys.RotationGracePeriod + time.Second
		if _, err := b.Decrypt(inFlight); !errors.Is(err, crypto.ErrKeyExpired) {
			return nil, fmt.Errorf("previous version after grace: got %v, want key expired", err)
		}
	}

	data := bytes.Repeat([]byte{0x5a}, 3*cfg.Stream.ChunkSize+17)
	var sealed, opened bytes.Buffer
	meta, err := a.EncryptStream(ctx, bytes.NewReader(data), &sealed)
	if err != nil {
		return nil, err
	}
	if err := b.DecryptStream(ctx, &sealed, &opened, meta); err != nil {
		return nil, err
	}
	if !bytes.Equal(opened.Bytes(), data) {
		return nil, errors.New("stream round trip mismatch")
	}

	return &selfTestReport{
		SessionID:    sessionID,
		SAS:          sas,
		FromVersion:  from,
		ToVersion:    a.KeyVersion(),
		StreamBytes:  meta.OriginalSize,
		StreamChunks: meta.ChunkCount,
		Elapsed:      time.Since(start),
	}, nil
}

func newSelfTestEndpoint(ca *identity.Authority, sessionID uuid.UUID, name string, metrics *observability.Metrics) (handshake.Config, error) {
	kp, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return handshake.Config{}, err
	}
	cert, err := ca.GenerateCertificate(uuid.New(), name, kp)
	if metrics != nil {
		metrics.RecordCertificate("issue", err == nil)
	}
	if err != nil {
		kp.Destroy()
		return handshake.Config{}, err
	}
	return handshake.Config{SessionID: sessionID, Identity: kp, Certificate: cert, Authority: ca}, nil
}

func pipeHandshake(client, server handshake.Config) (*handshake.Result, *handshake.Result, error) {
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()

	type outcome struct {
		res *handshake.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := handshake.Respond(s, server)
		if err != nil {
			s.Close()
		}
		done <- outcome{res, err}
	}()

	clientRes, err := handshake.Initiate(c, client)
	if err != nil {
		c.Close()
	}
	srv := <-done
	if err != nil {
		return nil, nil, fmt.Errorf("handshake initiator: %w", err)
	}
	if srv.err != nil {
		return nil, nil, fmt.Errorf("handshake responder: %w", srv.err)
	}
	return clientRes, srv.res, nil
}

func exchangeMessage(from, to *channel.Session, plaintext []byte) error {
	msg, err := from.Encrypt(plaintext)
	if err != nil {
		return err
	}
	got, err := to.Decrypt(msg)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, plaintext) {
		return errors.New("message round trip mismatch")
	}
	return nil
}
