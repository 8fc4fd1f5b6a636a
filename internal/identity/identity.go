// Package identity は呼び出し元の識別情報（ユーザー/匿名セッション）とプランを提供します。
package identity

import (
	"encoding/json"
	"fmt"
)

// Tier は契約プランの種類を表します。
type Tier string

const (
	TierAnon    Tier = "ANON"
	TierFree    Tier = "FREE_ACCOUNT"
	TierPremium Tier = "PREMIUM"
)

// ParseTier は文字列を Tier に変換します。不明な値は ANON になります。
func ParseTier(s string) Tier {
	switch s {
	case string(TierFree):
		return TierFree
	case string(TierPremium):
		return TierPremium
	default:
		return TierAnon
	}
}

// Kind は識別情報の種別を表します。
type Kind string

const (
	KindUser      Kind = "user"
	KindAnonymous Kind = "anon"
)

// Identity は「ユーザーID または 匿名セッションID のどちらか一方」を
// 型として保証するタグ付き識別情報です。
type Identity struct {
	kind Kind
	id   string
	tier Tier
}

// User はログイン済みユーザーの Identity を作成します。
func User(id string, tier Tier) Identity {
	if tier == TierAnon {
		tier = TierFree
	}
	return Identity{kind: KindUser, id: id, tier: tier}
}

// Anonymous は匿名セッションの Identity を作成します。
func Anonymous(id string) Identity {
	return Identity{kind: KindAnonymous, id: id, tier: TierAnon}
}

// Kind は識別情報の種別を返します。
func (i Identity) Kind() Kind {
	return i.kind
}

// ID は識別子（ユーザーID または 匿名ID）を返します。
func (i Identity) ID() string {
	return i.id
}

// Tier は契約プランを返します。
func (i Identity) Tier() Tier {
	return i.tier
}

// IsZero は未初期化の Identity かどうかを返します。
func (i Identity) IsZero() bool {
	return i.id == ""
}

// Key はストアのキーとして使用する文字列表現を返します。
// 例: "user:abc123", "anon:550e8400-..."
func (i Identity) Key() string {
	return fmt.Sprintf("%s:%s", i.kind, i.id)
}

type identityJSON struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
	Tier Tier   `json:"tier"`
}

// MarshalJSON は json.Marshaler を実装します。
func (i Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(identityJSON{Kind: i.kind, ID: i.id, Tier: i.tier})
}

// UnmarshalJSON は json.Unmarshaler を実装します。
func (i *Identity) UnmarshalJSON(data []byte) error {
	var raw identityJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Kind {
	case KindUser:
		*i = User(raw.ID, raw.Tier)
	case KindAnonymous:
		*i = Anonymous(raw.ID)
	default:
		return fmt.Errorf("unknown identity kind: %q", raw.Kind)
	}
	return nil
}
