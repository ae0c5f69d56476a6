package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/digitorus/sigtrust/certstore"
	"github.com/digitorus/sigtrust/compliance"
	"github.com/digitorus/sigtrust/config"
	"github.com/digitorus/sigtrust/hsm"
)

type signOptions struct {
	provider    string
	key         string
	certificate string
	roots       []string

	documentID  string
	signatureID string
	framework   string
	title       string
	output      string
	report      string

	signerName    string
	signerEmail   string
	signerID      string
	consent       string
	evidence      string
	verification  string
	verifiedBy    string
	auditOptional bool
}

func newSignCommand(opts *globalOptions) *cobra.Command {
	so := &signOptions{}
	cmd := &cobra.Command{
		Use:   "sign <document>",
		Short: "Sign a document and evaluate the signature's compliance",
		Long: `Sign a document with a provider key, producing a detached CMS signature,
then validate the signature and evaluate it against a legal framework. The
compliance report is written as JSON.`,
		Example: `  sigtrust sign -c sigtrust.conf --provider KMS --key alias/signing \
    --cert signer.pem --framework EIDAS --signer-name "Ada Lovelace" \
    --consent CHECKBOX --verification ID_DOCUMENT contract.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return so.run(cmd, opts, args[0])
		},
	}
	f := cmd.Flags()
	f.StringVar(&so.provider, "provider", string(hsm.ProviderSoftware), "provider type holding the key")
	f.StringVar(&so.key, "key", "default", "key id within the provider")
	f.StringVar(&so.certificate, "cert", "", "signer certificate PEM, optionally followed by its intermediates")
	f.StringArrayVar(&so.roots, "root", nil, "additional trusted root PEM file (repeatable)")
	f.StringVar(&so.documentID, "document-id", "", "document id (default: the file name)")
	f.StringVar(&so.signatureID, "signature-id", "", "signature id (default: random UUID)")
	f.StringVar(&so.framework, "framework", "", "legal framework (ESIGN, EIDAS, CFR_21_PART_11, UETA, PIPEDA, CUSTOM)")
	f.StringVar(&so.title, "title", "", "document title for the report")
	f.StringVarP(&so.output, "output", "o", "", "signature output file (default: <document>.p7s)")
	f.StringVar(&so.report, "report", "", "report output file (default: stdout)")
	f.StringVar(&so.signerName, "signer-name", "", "signer's name")
	f.StringVar(&so.signerEmail, "signer-email", "", "signer's email address")
	f.StringVar(&so.signerID, "signer-id", "", "signer's user id")
	f.StringVar(&so.consent, "consent", "", "consent method (CLICK_THROUGH, CHECKBOX, TYPED_NAME, WRITTEN, IMPLICIT)")
	f.StringVar(&so.evidence, "consent-evidence", "", "reference to the captured consent")
	f.StringVar(&so.verification, "verification", "", "identity verification method (EMAIL, SMS, KNOWLEDGE_BASED, ID_DOCUMENT, BIOMETRIC, MULTI_FACTOR)")
	f.StringVar(&so.verifiedBy, "verification-provider", "", "service that verified the signer's identity")
	f.BoolVar(&so.auditOptional, "audit-optional", false, "do not require an audit trail")
	_ = cmd.MarkFlagRequired("cert")
	return cmd
}

func (so *signOptions) run(cmd *cobra.Command, opts *globalOptions, path string) error {
	providerType, err := hsm.ParseProviderType(so.provider)
	if err != nil {
		return err
	}
	signer, err := so.signerInfo()
	if err != nil {
		return err
	}
	var framework compliance.Framework
	if so.framework != "" {
		if framework, err = compliance.ParseFramework(so.framework); err != nil {
			return err
		}
	}

	document, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	pemData, err := os.ReadFile(so.certificate)
	if err != nil {
		return err
	}
	certs, err := certstore.ParseCertificates(pemData)
	if err != nil {
		return err
	}
	if len(certs) == 0 {
		return fmt.Errorf("%s: no certificate found", so.certificate)
	}

	documentID := so.documentID
	if documentID == "" {
		documentID = filepath.Base(path)
	}
	output := so.output
	if output == "" {
		output = path + ".p7s"
	}

	configure := func(c *config.Config) {
		c.Cache.TrustedRoots = append(c.Cache.TrustedRoots, so.roots...)
	}
	return run(cmd.Context(), opts, configure, func(ctx context.Context, env *environment) error {
		providerCfg, err := env.providerConfig(providerType)
		if err != nil {
			return err
		}
		for _, c := range certs[1:] {
			env.service.Store().AddIntermediate(c)
		}

		b := env.service.
			Sign(documentID, document, hsm.KeyReference{Provider: providerType, KeyID: so.key}, certs[0].X509()).
			Signer(signer).
			ProviderConfig(providerCfg)
		if so.signatureID != "" {
			b.SignatureID(so.signatureID)
		}
		if framework != "" {
			b.Framework(framework)
		}
		if so.title != "" {
			b.Title(so.title)
		}
		if so.auditOptional {
			b.AuditOptional()
		}

		result, err := b.Execute(ctx)
		if err != nil {
			return err
		}
		if err := os.WriteFile(output, result.Signature.Encoded(), 0o644); err != nil {
			return err
		}
		report, err := result.Report.JSON()
		if err != nil {
			return err
		}
		if so.report != "" {
			return os.WriteFile(so.report, report, 0o644)
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", report)
		return err
	})
}

func (so *signOptions) signerInfo() (compliance.SignerInfo, error) {
	info := compliance.SignerInfo{
		Name:                 so.signerName,
		Email:                so.signerEmail,
		UserID:               so.signerID,
		ConsentEvidence:      so.evidence,
		VerificationProvider: so.verifiedBy,
	}
	if so.consent != "" {
		m := compliance.ConsentMethod(strings.ToUpper(so.consent))
		switch m {
		case compliance.ConsentClickThrough, compliance.ConsentCheckbox, compliance.ConsentTypedName,
			compliance.ConsentWritten, compliance.ConsentImplicit:
			info.ConsentMethod = m
		default:
			return info, fmt.Errorf("unknown consent method %q", so.consent)
		}
	}
	if so.verification != "" {
		m := compliance.VerificationMethod(strings.ToUpper(so.verification))
		switch m {
		case compliance.VerifyEmail, compliance.VerifySMS, compliance.VerifyKnowledgeBased,
			compliance.VerifyIDDocument, compliance.VerifyBiometric, compliance.VerifyMultiFactor:
			info.VerificationMethod = m
		default:
			return info, fmt.Errorf("unknown verification method %q", so.verification)
		}
	}
	if info.Name == "" && info.Email == "" && info.UserID == "" {
		return info, errors.New("one of --signer-name, --signer-email or --signer-id is required")
	}
	return info, nil
}
