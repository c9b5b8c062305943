package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 対応する外部IdP
const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"
)

// defaultFlowTTL は開始したOAuthフローの有効期間。
const defaultFlowTTL = 10 * time.Minute

// SupportedProvider はproviderが対応しているIdPかどうかを返す。
func SupportedProvider(provider string) bool {
	return provider == ProviderGoogle || provider == ProviderGitHub
}

// pendingFlow はコールバック待ちのOAuthフロー。
type pendingFlow struct {
	provider  string
	verifier  string
	expiresAt time.Time
}

// FlowStore は開始済みのPKCEフローをstateごとに保持する。
// 各stateは1回だけ消費でき、期限切れのものは消費時に破棄される。
type FlowStore struct {
	mu    sync.Mutex
	flows map[string]pendingFlow
	ttl   time.Duration
	now   func() time.Time
}

// NewFlowStore はFlowStoreを生成する。ttlが0以下の場合は10分を使用する。
func NewFlowStore(ttl time.Duration, clock func() time.Time) *FlowStore {
	if ttl <= 0 {
		ttl = defaultFlowTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &FlowStore{flows: make(map[string]pendingFlow), ttl: ttl, now: clock}
}

// Begin は新しいフローを登録し、stateとS256のコードチャレンジを返す。
func (f *FlowStore) Begin(provider string) (state, challenge string, err error) {
	verifier, err := generateVerifier()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	state = uuid.NewString()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeLocked()
	f.flows[state] = pendingFlow{
		provider:  provider,
		verifier:  verifier,
		expiresAt: f.now().Add(f.ttl),
	}
	return state, challengeS256(verifier), nil
}

// Consume はstateに対応するフローを取り出す。未登録・消費済み・期限切れの場合はfalseを返す。
func (f *FlowStore) Consume(state string) (pendingFlow, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	flow, ok := f.flows[state]
	if !ok {
		return pendingFlow{}, false
	}
	delete(f.flows, state)
	if !f.now().Before(flow.expiresAt) {
		return pendingFlow{}, false
	}
	return flow, true
}

// Pending は未消費のフロー数を返す。
func (f *FlowStore) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeLocked()
	return len(f.flows)
}

func (f *FlowStore) purgeLocked() {
	now := f.now()
	for state, flow := range f.flows {
		if !now.Before(flow.expiresAt) {
			delete(f.flows, state)
		}
	}
}

// generateVerifier はRFC 7636に従い32バイトの乱数からコードベリファイアを生成する。
func generateVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// challengeS256 はベリファイアのSHA-256をbase64url（パディングなし）で返す。
func challengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
