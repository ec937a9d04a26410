package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/quantarax/e2ee/internal/audit"
	"github.com/quantarax/e2ee/internal/certstore"
	"github.com/quantarax/e2ee/internal/crypto"
	"github.com/quantarax/e2ee/internal/crypto/identity"
	"github.com/spf13/cobra"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage device certificates",
}

var certIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Generate a device signing key and a self-attested certificate for it",
	Long: `issue generates an Ed25519 device identity, attests it and stores the
certificate. The private key exists only in memory for the duration of the
command and is scrubbed before exit.`,
	Args: cobra.NoArgs,
	RunE: runCertIssue,
}

var certVerifyCmd = &cobra.Command{
	Use:   "verify [device-id]",
	Short: "Verify a stored certificate",
	Args:  cobra.ExactArgs(1),
	RunE:  runCertVerify,
}

var certListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored certificates",
	Args:  cobra.NoArgs,
	RunE:  runCertList,
}

var certPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired certificates",
	Args:  cobra.NoArgs,
	RunE:  runCertPrune,
}

func init() {
	certIssueCmd.Flags().StringP("name", "n", "", "Device name")
	certIssueCmd.Flags().String("device-id", "", "Device id (random if empty)")
	certIssueCmd.Flags().Bool("json", false, "Print the certificate as JSON")
	certIssueCmd.MarkFlagRequired("name")

	certCmd.AddCommand(certIssueCmd)
	certCmd.AddCommand(certVerifyCmd)
	certCmd.AddCommand(certListCmd)
	certCmd.AddCommand(certPruneCmd)
}

func openStore(e *env) (*certstore.Store, error) {
	store, err := certstore.Open(e.cfg.CertStore.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open certificate store: %w", err)
	}
	return store, nil
}

func authority(e *env) *identity.Authority {
	return identity.NewAuthority(
		identity.WithIssuer(e.cfg.Certificates.Issuer),
		identity.WithLifetime(e.cfg.Certificates.Lifetime),
	)
}

func runCertIssue(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	name, _ := cmd.Flags().GetString("name")
	rawID, _ := cmd.Flags().GetString("device-id")
	asJSON, _ := cmd.Flags().GetBool("json")

	deviceID := uuid.New()
	if rawID != "" {
		if deviceID, err = uuid.Parse(rawID); err != nil {
			return fmt.Errorf("invalid device id: %w", err)
		}
	}

	store, err := openStore(e)
	if err != nil {
		return err
	}
	defer store.Close()

	kp, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return err
	}
	defer kp.Destroy()

	cert, err := authority(e).GenerateCertificate(deviceID, name, kp)
	if err != nil {
		return err
	}
	if err := store.Put(cert); err != nil {
		return err
	}

	fp := identity.DeviceFingerprint(cert.PublicKey)
	e.logger.CertificateIssued(deviceID.String(), fp, cert.ValidTo)
	recordAudit(cmd, e, audit.Event{
		Action:  audit.ActionCertificateIssued,
		Subject: deviceID.String(),
		Details: map[string]string{"fingerprint": fp},
	})

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(cert)
	}
	fmt.Fprintf(out, "device      %s (%s)\n", cert.DeviceID, cert.DeviceName)
	fmt.Fprintf(out, "fingerprint %s\n", fp)
	fmt.Fprintf(out, "valid       %s .. %s\n", cert.ValidFrom.Format(time.RFC3339), cert.ValidTo.Format(time.RFC3339))
	return nil
}

func runCertVerify(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	deviceID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid device id: %w", err)
	}

	store, err := openStore(e)
	if err != nil {
		return err
	}
	defer store.Close()

	cert, err := store.Get(deviceID)
	if err != nil {
		return err
	}
	if err := authority(e).Verify(cert); err != nil {
		e.logger.CertificateRejected(deviceID.String(), err)
		recordAudit(cmd, e, audit.Event{
			Action:    audit.ActionCertificateRejected,
			Subject:   deviceID.String(),
			ErrorKind: certErrorKind(err),
		})
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s valid until %s\n", deviceID, cert.ValidTo.Format(time.RFC3339))
	return nil
}

func runCertList(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	store, err := openStore(e)
	if err != nil {
		return err
	}
	defer store.Close()

	certs, err := store.List()
	if err != nil {
		return err
	}
	ca := authority(e)

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE ID\tNAME\tFINGERPRINT\tVALID TO\tSTATUS")
	for _, c := range certs {
		status := "valid"
		if err := ca.Verify(c); err != nil {
			status = certErrorKind(err)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.DeviceID, c.DeviceName, identity.DeviceFingerprint(c.PublicKey), c.ValidTo.Format(time.RFC3339), status)
	}
	return tw.Flush()
}

func runCertPrune(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	store, err := openStore(e)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.PruneExpired(time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d expired certificates\n", n)
	return nil
}

func certErrorKind(err error) string {
	switch {
	case errors.Is(err, identity.ErrUntrustedIssuer):
		return "untrusted_issuer"
	case errors.Is(err, identity.ErrMalformed):
		return "malformed"
	default:
		return crypto.KindOf(err).String()
	}
}

func recordAudit(cmd *cobra.Command, e *env, ev audit.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if err := e.audit.Record(cmd.Context(), ev); err != nil {
		e.logger.Error(err, "audit sink failed")
	}
}
