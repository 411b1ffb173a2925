package export

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// KeyRing — явный менеджер ключевого материала подписи: текущий ключ плюс
// отставные (для верификации старых экспортов). Инжектится в подписанта,
// а не читается из глобального состояния процесса.
type KeyRing struct {
	mu        sync.RWMutex
	currentID string
	keys      map[string][]byte
	rotatedAt time.Time
}

func NewKeyRing(keyID string, secret []byte) *KeyRing {
	return &KeyRing{
		currentID: keyID,
		keys:      map[string][]byte{keyID: secret},
		rotatedAt: time.Now().UTC(),
	}
}

// Rotate вводит новый текущий ключ; старые остаются доступны для Verify.
func (k *KeyRing) Rotate(keyID string, secret []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = secret
	k.currentID = keyID
	k.rotatedAt = time.Now().UTC()
}

// CurrentKeyID возвращает id действующего ключа.
func (k *KeyRing) CurrentKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.currentID
}

// RotatedAt — момент последней ротации.
func (k *KeyRing) RotatedAt() time.Time {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.rotatedAt
}

// Sign считает HMAC-SHA256 данных текущим ключом.
func (k *KeyRing) Sign(data []byte) (signature, keyID string) {
	k.mu.RLock()
	secret := k.keys[k.currentID]
	keyID = k.currentID
	k.mu.RUnlock()

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), keyID
}

// Verify проверяет подпись ключом keyID (включая отставные).
func (k *KeyRing) Verify(keyID string, data []byte, signature string) bool {
	k.mu.RLock()
	secret, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
