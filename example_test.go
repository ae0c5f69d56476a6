package sigtrust_test

import (
	"context"
	"fmt"
	"log"

	"github.com/digitorus/sigtrust"
	"github.com/digitorus/sigtrust/certstore"
	"github.com/digitorus/sigtrust/compliance"
	"github.com/digitorus/sigtrust/hsm"
	"github.com/digitorus/sigtrust/internal/testpki"
	"github.com/digitorus/sigtrust/signers/software"
)

// ExampleSignBuilder_Execute signs a document with a software key and
// reports its compliance under eIDAS.
func ExampleSignBuilder_Execute() {
	pki := testpki.NewTestPKI(nil)
	pki.StartServer()
	defer pki.Close()
	key, cert := pki.IssueLeaf("Example Signer")

	store := certstore.New(certstore.Options{})
	root, _ := certstore.FromX509(pki.RootCert)
	store.AddTrustedRoot(root)
	inter, _ := certstore.FromX509(pki.IntermediateCerts[0])
	store.AddIntermediate(inter)

	provider := software.New()
	if err := provider.AddKey("signer", key, cert); err != nil {
		log.Fatal(err)
	}
	gateway := hsm.NewGateway(hsm.Options{Store: store, TSA: hsm.TSA{URL: pki.Server.URL + "/tsa"}})
	if err := gateway.RegisterProvider(hsm.ProviderSoftware, provider); err != nil {
		log.Fatal(err)
	}

	svc := sigtrust.New(sigtrust.Options{Gateway: gateway})
	defer svc.Close()

	result, err := svc.Sign("contract-42", []byte("%PDF-1.7 example"), hsm.KeyReference{Provider: hsm.ProviderSoftware, KeyID: "signer"}, cert).
		Signer(compliance.SignerInfo{
			Name:               "Example Signer",
			Email:              "signer@example.com",
			ConsentMethod:      compliance.ConsentCheckbox,
			VerificationMethod: compliance.VerifyBiometric,
		}).
		Framework(compliance.EIDAS).
		Execute(context.Background())
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(result.Compliance.ComplianceLevel)
	fmt.Println(result.Report.FrameworkSpecific["signatureLevel"])
	fmt.Println(result.Compliance.LegalAdmissibility.Confidence)

	// Output:
	// QUALIFIED
	// QES
	// 100
}
