// Package pkcs11 provides a PKCS #11 (HSM/token) signing provider.
package pkcs11

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/pkcs11"

	"github.com/digitorus/sigtrust/hsm"
)

// Provider configuration options.
const (
	OptionModule     = "module"
	OptionTokenLabel = "token_label"
	OptionPIN        = "pin"
)

// Module is the subset of *pkcs11.Ctx used by the provider.
type Module interface {
	Initialize() error
	Finalize() error
	Destroy()
	GetSlotList(tokenPresent bool) ([]uint, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
}

// Opener loads the PKCS #11 library at path.
type Opener func(path string) (Module, error)

func openModule(path string) (Module, error) {
	ctx := pkcs11.New(path)
	if ctx == nil {
		return nil, fmt.Errorf("pkcs11: failed to load module %s", path)
	}
	return ctx, nil
}

// Provider keeps one logged in session per token. A session is not safe
// for concurrent use so signing operations are serialized.
type Provider struct {
	open Opener

	mu       sync.Mutex
	module   Module
	slot     uint
	session  pkcs11.SessionHandle
	loggedIn bool
	ready    bool
}

// NewProvider returns a provider that loads modules with open, or with
// the system loader when open is nil.
func NewProvider(open Opener) *Provider {
	if open == nil {
		open = openModule
	}
	return &Provider{open: open}
}

// Initialize loads the module, selects the token by label (the first
// present token when unset), opens a session and logs in when a PIN is
// configured.
func (p *Provider) Initialize(ctx context.Context, cfg hsm.ProviderConfig) error {
	path := cfg.Option(OptionModule, cfg.Endpoint)
	if path == "" {
		return errors.New("pkcs11: module path is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return nil
	}

	m, err := p.open(path)
	if err != nil {
		return err
	}
	if err := m.Initialize(); err != nil && !isCode(err, pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
		m.Destroy()
		return fmt.Errorf("pkcs11: error initializing module: %w", err)
	}

	slot, err := findSlot(m, cfg.Option(OptionTokenLabel, ""))
	if err != nil {
		release(m)
		return err
	}

	session, err := m.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		release(m)
		return fmt.Errorf("pkcs11: error opening session: %w", err)
	}

	loggedIn := false
	if pin := cfg.Option(OptionPIN, ""); pin != "" {
		if err := m.Login(session, pkcs11.CKU_USER, pin); err != nil && !isCode(err, pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
			_ = m.CloseSession(session)
			release(m)
			return fmt.Errorf("pkcs11: error logging in: %w", err)
		}
		loggedIn = true
	}

	p.module, p.slot, p.session, p.loggedIn, p.ready = m, slot, session, loggedIn, true
	return nil
}

func findSlot(m Module, label string) (uint, error) {
	slots, err := m.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("pkcs11: error getting slots: %w", err)
	}
	for _, id := range slots {
		info, err := m.GetTokenInfo(id)
		if err != nil {
			continue
		}
		if label == "" || info.Label == label {
			return id, nil
		}
	}
	return 0, fmt.Errorf("pkcs11: token with label %q not found", label)
}

func (p *Provider) IsInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// TestConnection reads the token info of the selected slot.
func (p *Provider) TestConnection(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return false, hsm.ErrNotInitialized
	}
	if _, err := p.module.GetTokenInfo(p.slot); err != nil {
		return false, classify(err)
	}
	return true, nil
}

// Sign signs with the private key whose CKA_LABEL equals the request KeyID.
func (p *Provider) Sign(ctx context.Context, req *hsm.SignRequest) (*hsm.SignResponse, error) {
	mech, input, err := mechanism(req)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return nil, hsm.ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := p.findKey(req.KeyRef.KeyID)
	if err != nil {
		return nil, err
	}
	if err := p.module.SignInit(p.session, []*pkcs11.Mechanism{mech}, key); err != nil {
		return nil, fmt.Errorf("pkcs11: sign init failed: %w", classify(err))
	}
	sig, err := p.module.Sign(p.session, input)
	if err != nil {
		return nil, fmt.Errorf("pkcs11: sign failed: %w", classify(err))
	}

	if req.Algorithm.Key == hsm.KeyTypeECDSA {
		// CKM_ECDSA yields raw r||s.
		if sig, err = hsm.ECDSASignatureToASN1(sig); err != nil {
			return nil, fmt.Errorf("pkcs11: %w", err)
		}
	}

	return &hsm.SignResponse{
		Signature: sig,
		Algorithm: req.Algorithm,
		Timestamp: time.Now(),
	}, nil
}

func (p *Provider) findKey(label string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
	}
	if label != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}

	if err := p.module.FindObjectsInit(p.session, template); err != nil {
		return 0, fmt.Errorf("pkcs11: error finding objects: %w", classify(err))
	}
	objs, _, err := p.module.FindObjects(p.session, 1)
	if finalErr := p.module.FindObjectsFinal(p.session); err == nil && finalErr != nil {
		err = finalErr
	}
	if err != nil {
		return 0, fmt.Errorf("pkcs11: error finding objects: %w", classify(err))
	}
	if len(objs) == 0 {
		return 0, fmt.Errorf("pkcs11: %w: %q", hsm.ErrKeyNotFound, label)
	}
	return objs[0], nil
}

// Close logs out, closes the session and unloads the module.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return nil
	}
	p.ready = false

	var errs []error
	if p.loggedIn {
		if err := p.module.Logout(p.session); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.module.CloseSession(p.session); err != nil {
		errs = append(errs, err)
	}
	if err := release(p.module); err != nil {
		errs = append(errs, err)
	}
	p.module = nil
	return errors.Join(errs...)
}

func release(m Module) error {
	err := m.Finalize()
	m.Destroy()
	return err
}

// mechanism returns the mechanism and the data to pass to C_Sign. Raw
// CKM_RSA_PKCS expects the DigestInfo encoding around the digest.
func mechanism(req *hsm.SignRequest) (*pkcs11.Mechanism, []byte, error) {
	switch req.Algorithm.Key {
	case hsm.KeyTypeRSA:
		input, err := hsm.DigestInfo(req.Algorithm.Hash, req.Data)
		if err != nil {
			return nil, nil, fmt.Errorf("pkcs11: %w", err)
		}
		return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil), input, nil
	case hsm.KeyTypeECDSA:
		return pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil), req.Data, nil
	}
	return nil, nil, fmt.Errorf("pkcs11: unsupported signing algorithm %s", req.Algorithm)
}

func isCode(err error, code uint) bool {
	var e pkcs11.Error
	return errors.As(err, &e) && uint(e) == code
}

// classify marks device and session failures as transient so that the
// gateway retries and reinitializes the provider.
func classify(err error) error {
	for _, code := range []uint{
		pkcs11.CKR_DEVICE_ERROR,
		pkcs11.CKR_DEVICE_MEMORY,
		pkcs11.CKR_DEVICE_REMOVED,
		pkcs11.CKR_SESSION_CLOSED,
		pkcs11.CKR_SESSION_HANDLE_INVALID,
		pkcs11.CKR_TOKEN_NOT_PRESENT,
	} {
		if isCode(err, code) {
			return fmt.Errorf("%w: %w", hsm.ErrTransient, err)
		}
	}
	return err
}
