package keys

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/internal/auth/tokenstore"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SigningKey is one HS256 key.
type SigningKey struct {
	ID        string
	Material  []byte
	CreatedAt time.Time
	RetiredAt *time.Time
}

// Provider supplies signing keys.
type Provider interface {
	// CurrentSigningKey returns the key new tokens are signed with.
	CurrentSigningKey(ctx context.Context) (SigningKey, error)
	// KeyMaterialFor returns verification material for a (possibly retired) key.
	KeyMaterialFor(ctx context.Context, keyID string) ([]byte, error)
}

// ChainRecorder is where rotations are recorded (tokenstore.Store).
type ChainRecorder interface {
	RecordSealedKeyRotation(ctx context.Context, oldKeyID, newKeyID, reason string, sealed []byte) error
	KeyHistory() []tokenstore.KeyRotationRecord
}

// DeriveKeyID returns a stable, non-secret id for key material.
func DeriveKeyID(material []byte) string {
	sum := sha256.Sum256(material)
	return "k_" + hex.EncodeToString(sum[:8])
}

// KeyringOptions configures a Keyring.
type KeyringOptions struct {
	Recorder  ChainRecorder
	Retention time.Duration
	Log       *zap.SugaredLogger
	Now       func() time.Time
}

// Keyring is an in-memory Provider with rotation. Keys it generates are
// sealed under a key derived from the configured material and recorded on
// the chain, so a restart with the same configuration recovers them.
type Keyring struct {
	active atomic.Pointer[SigningKey]

	mu   sync.RWMutex
	keys map[string]*SigningKey

	rotateMu  sync.Mutex
	recorder  ChainRecorder
	seal      cipher.AEAD
	retention time.Duration
	log       *zap.SugaredLogger
	now       func() time.Time
}

// NewKeyring seeds the ring with the configured material and restores the
// chain. If the chain's active key was generated by an earlier Rotate and
// still opens, it stays active. Otherwise the configured key takes over,
// or a fresh key if the configured one is already a retired chain link.
func NewKeyring(ctx context.Context, material []byte, keyID string, o KeyringOptions) (*Keyring, error) {
	if len(material) < MinKeyBytes {
		return nil, fmt.Errorf("%w: signing key must be at least %d bytes", identity.ErrConfig, MinKeyBytes)
	}
	if o.Retention <= 0 {
		o.Retention = DefaultConfig().Retention
	}
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if keyID == "" {
		keyID = DeriveKeyID(material)
	}
	aead, err := sealerFor(material)
	if err != nil {
		return nil, err
	}

	k := &Keyring{
		keys:      make(map[string]*SigningKey),
		recorder:  o.Recorder,
		seal:      aead,
		retention: o.Retention,
		log:       o.Log,
		now:       o.Now,
	}
	configured := &SigningKey{ID: keyID, Material: clone(material), CreatedAt: k.now()}

	if k.recorder == nil {
		k.keys[keyID] = configured
		k.active.Store(configured)
		return k, nil
	}

	var active *tokenstore.KeyRotationRecord
	inChain := false
	for _, rec := range k.recorder.KeyHistory() {
		if rec.Active() {
			r := rec
			active = &r
		}
		if rec.KeyID == keyID {
			inChain = true
			configured.CreatedAt = rec.CreatedAt
			configured.RetiredAt = rec.DeactivatedAt
			continue
		}
		k.restore(rec)
	}
	k.keys[keyID] = configured

	switch {
	case active == nil:
		if err := k.recorder.RecordSealedKeyRotation(ctx, "", keyID, "initial", nil); err != nil {
			return nil, err
		}
		k.active.Store(configured)
	case active.KeyID == keyID:
		k.active.Store(configured)
	case k.keys[active.KeyID] != nil:
		k.active.Store(k.keys[active.KeyID])
	case !inChain:
		if err := k.recorder.RecordSealedKeyRotation(ctx, active.KeyID, keyID, "configured key changed", nil); err != nil {
			return nil, err
		}
		k.active.Store(configured)
	default:
		// The configured key is a retired link and the active one cannot be
		// opened: move the chain forward to a fresh key.
		if _, err := k.rotate(ctx, active.KeyID, "active key unrecoverable"); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// restore opens a generated key from its chain link. Links without sealed
// material, links sealed under other configured material and keys past
// retention are skipped.
func (k *Keyring) restore(rec tokenstore.KeyRotationRecord) {
	if len(rec.SealedMaterial) == 0 {
		return
	}
	if rec.DeactivatedAt != nil && !k.now().Before(rec.DeactivatedAt.Add(k.retention)) {
		return
	}
	material, err := k.open(rec.KeyID, rec.SealedMaterial)
	if err != nil {
		k.log.Warnw("keys.restore.skip", "key_id", rec.KeyID, "err", err)
		return
	}
	k.keys[rec.KeyID] = &SigningKey{
		ID:        rec.KeyID,
		Material:  material,
		CreatedAt: rec.CreatedAt,
		RetiredAt: rec.DeactivatedAt,
	}
}

// CurrentSigningKey implements Provider.
func (k *Keyring) CurrentSigningKey(_ context.Context) (SigningKey, error) {
	sk := k.active.Load()
	if sk == nil {
		return SigningKey{}, identity.Fail("keys.CurrentSigningKey", identity.ErrProviderUnavailable, "no active signing key")
	}
	return *sk, nil
}

// KeyMaterialFor implements Provider. Retired keys past retention are gone.
func (k *Keyring) KeyMaterialFor(ctx context.Context, keyID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.RLock()
	sk, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return nil, identity.NotFoundError{Op: "keys.KeyMaterialFor", Resource: "signing_key"}
	}
	if sk.RetiredAt != nil && !k.now().Before(sk.RetiredAt.Add(k.retention)) {
		return nil, identity.NotFoundError{Op: "keys.KeyMaterialFor", Resource: "signing_key"}
	}
	return sk.Material, nil
}

// Rotate generates a fresh key, records the rotation, and then swaps it in.
// Tokens signed with the previous key keep verifying until retention ends.
func (k *Keyring) Rotate(ctx context.Context, reason string) (SigningKey, error) {
	prevID := ""
	if prev := k.active.Load(); prev != nil {
		prevID = prev.ID
	}
	return k.rotate(ctx, prevID, reason)
}

func (k *Keyring) rotate(ctx context.Context, prevID, reason string) (SigningKey, error) {
	k.rotateMu.Lock()
	defer k.rotateMu.Unlock()

	material := make([]byte, MinKeyBytes)
	if _, err := rand.Read(material); err != nil {
		return SigningKey{}, fmt.Errorf("keys.Rotate: %w", err)
	}
	next := &SigningKey{ID: DeriveKeyID(material), Material: material, CreatedAt: k.now()}

	if k.recorder != nil {
		sealed, err := k.sealKey(next.ID, material)
		if err != nil {
			return SigningKey{}, err
		}
		if err := k.recorder.RecordSealedKeyRotation(ctx, prevID, next.ID, reason, sealed); err != nil {
			return SigningKey{}, err
		}
	}

	now := k.now()
	k.mu.Lock()
	if prev, ok := k.keys[prevID]; ok && prev.RetiredAt == nil {
		retired := *prev
		retired.RetiredAt = &now
		k.keys[prevID] = &retired
	}
	k.keys[next.ID] = next
	k.mu.Unlock()

	k.active.Store(next)
	k.log.Infow("keys.rotate", "old_key_id", prevID, "new_key_id", next.ID, "reason", reason)
	return *next, nil
}

// Prune drops retired keys whose retention has ended and reports how many.
func (k *Keyring) Prune() int {
	now := k.now()
	k.mu.Lock()
	defer k.mu.Unlock()

	n := 0
	for id, sk := range k.keys {
		if sk.RetiredAt != nil && !now.Before(sk.RetiredAt.Add(k.retention)) {
			delete(k.keys, id)
			n++
		}
	}
	return n
}

// RunRotation rotates every interval and prunes expired keys until ctx is done.
func (k *Keyring) RunRotation(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if _, err := k.Rotate(ctx, "scheduled"); err != nil {
			k.log.Errorw("keys.rotate.fail", "err", err)
			continue
		}
		if n := k.Prune(); n > 0 {
			k.log.Infow("keys.prune", "removed", n)
		}
	}
}

const sealInfo = "aegis/signing-key-seal/v1"

func sealerFor(material []byte) (cipher.AEAD, error) {
	wrap := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, []byte(sealInfo)), wrap); err != nil {
		return nil, fmt.Errorf("keys: derive seal key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(wrap)
	if err != nil {
		return nil, fmt.Errorf("keys: init seal: %w", err)
	}
	return aead, nil
}

// sealKey returns nonce || ciphertext. The key id is bound as AAD.
func (k *Keyring) sealKey(keyID string, material []byte) ([]byte, error) {
	nonce := make([]byte, k.seal.NonceSize(), k.seal.NonceSize()+len(material)+k.seal.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keys: seal nonce: %w", err)
	}
	return k.seal.Seal(nonce, nonce, material, []byte(keyID)), nil
}

func (k *Keyring) open(keyID string, sealed []byte) ([]byte, error) {
	ns := k.seal.NonceSize()
	if len(sealed) < ns+k.seal.Overhead() {
		return nil, identity.Fail("keys.open", identity.ErrDecryptionFailed, "sealed key too short")
	}
	out, err := k.seal.Open(nil, sealed[:ns], sealed[ns:], []byte(keyID))
	if err != nil {
		return nil, identity.Fail("keys.open", identity.ErrDecryptionFailed, "sealed key does not open")
	}
	return out, nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
