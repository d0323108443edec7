//go:build softhsm

package hsm

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/pkcs11"

	"github.com/alovak/virtualcards/internal/cardgen"
	"github.com/alovak/virtualcards/internal/expiry"
	"github.com/alovak/virtualcards/internal/security"
)

// SoftHSMProvider derives verification codes with a 3DES MAC computed inside
// a PKCS#11 token, so the code cannot be recomputed from public card data.
// Enabled with the softhsm build tag to keep pkcs11 out of default builds.
type SoftHSMProvider struct {
	libPath  string
	slotID   uint
	pin      string
	keyLabel string

	mu   sync.Mutex
	p11  *pkcs11.Ctx
	sess pkcs11.SessionHandle
	key  pkcs11.ObjectHandle
}

func NewSoftHSMProvider(libPath string, slotID uint, pin, keyLabel string) *SoftHSMProvider {
	return &SoftHSMProvider{libPath: libPath, slotID: slotID, pin: pin, keyLabel: keyLabel}
}

func (p *SoftHSMProvider) Open() error {
	p.p11 = pkcs11.New(p.libPath)
	if p.p11 == nil {
		return fmt.Errorf("load pkcs11 lib failed")
	}
	if err := p.p11.Initialize(); err != nil {
		return err
	}
	sess, err := p.p11.OpenSession(pkcs11.SlotID(p.slotID), pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		_ = p.p11.Finalize()
		return err
	}
	p.sess = sess
	if err := p.p11.Login(p.sess, pkcs11.CKU_USER, p.pin); err != nil {
		_ = p.p11.CloseSession(p.sess)
		_ = p.p11.Finalize()
		return err
	}

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, p.keyLabel),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_DES3),
	}
	if err := p.p11.FindObjectsInit(p.sess, template); err != nil {
		return err
	}
	objs, _, err := p.p11.FindObjects(p.sess, 1)
	_ = p.p11.FindObjectsFinal(p.sess)
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		return fmt.Errorf("verification key not found by label=%s", p.keyLabel)
	}
	p.key = objs[0]
	return nil
}

func (p *SoftHSMProvider) Close() {
	if p.p11 != nil {
		if p.sess != 0 {
			_ = p.p11.Logout(p.sess)
			_ = p.p11.CloseSession(p.sess)
		}
		_ = p.p11.Finalize()
		p.p11.Destroy()
		p.p11 = nil
	}
}

// decimalize maps the hex MAC to digits (a..f fold onto 0..5) and keeps the
// first n.
func decimalize(mac []byte, n int) (string, error) {
	hx := hex.EncodeToString(mac)
	out := make([]byte, 0, n)
	for i := 0; i < len(hx) && len(out) < n; i++ {
		c := hx[i]
		if c >= '0' && c <= '9' {
			out = append(out, c)
		} else {
			out = append(out, '0'+(c-'a'+10)%10)
		}
	}
	if len(out) < n {
		return "", fmt.Errorf("mac too short for %d digits", n)
	}
	return string(out), nil
}

func (p *SoftHSMProvider) mac(data []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.p11 == nil {
		return nil, fmt.Errorf("provider is not open")
	}
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_DES3_MAC, nil)}
	if err := p.p11.SignInit(p.sess, mech, p.key); err != nil {
		return nil, err
	}
	return p.p11.Sign(p.sess, data)
}

// VerificationCode MACs number (without its check digit) and the YYMM expiry.
func (p *SoftHSMProvider) VerificationCode(number string, exp time.Time) (string, error) {
	number = cardgen.NormalizeNumber(number)
	if err := cardgen.ValidateNumber(number); err != nil {
		return "", err
	}
	yymm := expiry.YYMM(exp)
	if err := expiry.ValidateYYMM(yymm); err != nil {
		return "", err
	}
	mac, err := p.mac([]byte(number[:len(number)-1] + yymm))
	if err != nil {
		return "", err
	}
	return decimalize(mac, security.CodeWidth)
}

var _ security.CodeProvider = (*SoftHSMProvider)(nil)
