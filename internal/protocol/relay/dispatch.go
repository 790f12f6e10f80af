// ABOUTME: Serves the relay engine's protocol store requests from a protostore.Store
// ABOUTME: Missing entries answer with a null result rather than an error

package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/sigbot/internal/protostore"
)

// errUnknownMethod is returned for store methods the dispatcher does not serve.
var errUnknownMethod = errors.New("unknown store method")

type storeHandler func(st *protostore.Store, params json.RawMessage) (any, error)

// storeMethods maps store request methods to handlers.
var storeMethods = map[string]storeHandler{
	"get":                       storeGet,
	"put":                       storePut,
	"remove":                    storeRemove,
	"keys":                      storeKeys,
	"removeAll":                 storeRemoveAll,
	"getLocalRegistrationId":    storeLocalRegistrationID,
	"getIdentityKeyPair":        storeIdentityKeyPair,
	"isTrustedIdentity":         storeIsTrustedIdentity,
	"loadIdentity":              storeLoadIdentity,
	"saveIdentity":              storeSaveIdentity,
	"setVerified":               storeSetVerified,
	"setApproval":               storeSetApproval,
	"removeIdentityKey":         storeRemoveIdentityKey,
	"loadSession":               storeLoadSession,
	"storeSession":              storeStoreSession,
	"containsSession":           storeContainsSession,
	"removeSession":             storeRemoveSession,
	"removeAllSessions":         storeRemoveAllSessions,
	"archiveSession":            storeArchiveSession,
	"archiveSiblingSessions":    storeArchiveSiblingSessions,
	"archiveAllSessions":        storeArchiveAllSessions,
	"getDeviceIds":              storeDeviceIDs,
	"loadPreKey":                storeLoadPreKey,
	"storePreKey":               storeStorePreKey,
	"removePreKey":              storeRemovePreKey,
	"getPreKeyIds":              storePreKeyIDs,
	"loadSignedPreKey":          storeLoadSignedPreKey,
	"storeSignedPreKey":         storeStoreSignedPreKey,
	"removeSignedPreKey":        storeRemoveSignedPreKey,
	"getSignedPreKeyIds":        storeSignedPreKeyIDs,
	"getGroup":                  storeGetGroup,
	"putGroup":                  storePutGroup,
	"removeGroup":               storeRemoveGroup,
	"getAllGroupIds":            storeGroupIDs,
	"addUnprocessed":            storeAddUnprocessed,
	"getUnprocessed":            storeGetUnprocessed,
	"getAllUnprocessed":         storeAllUnprocessed,
	"updateUnprocessedAttempts": storeUpdateUnprocessedAttempts,
	"updateUnprocessedWithData": storeUpdateUnprocessedWithData,
	"removeUnprocessed":         storeRemoveUnprocessed,
	"removeAllUnprocessed":      storeRemoveAllUnprocessed,
	"countUnprocessed":          storeCountUnprocessed,
}

// dispatchStore runs one store request. The result is JSON-encodable.
func dispatchStore(st *protostore.Store, method string, params json.RawMessage) (any, error) {
	h, ok := storeMethods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownMethod, method)
	}
	return h(st, params)
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return errors.New("missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("decoding params: %w", err)
	}
	return nil
}

// notFound turns protostore.ErrNotFound into a null result.
func notFound(v any, err error) (any, error) {
	if errors.Is(err, protostore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

type nsParams struct {
	Namespace string           `json:"namespace"`
	ID        string           `json:"id"`
	Value     protostore.Value `json:"value"`
}

func storeGet(st *protostore.Store, params json.RawMessage) (any, error) {
	var p nsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ns, err := protostore.ParseNamespace(p.Namespace)
	if err != nil {
		return nil, err
	}
	return notFound(st.Get(ns, p.ID))
}

func storePut(st *protostore.Store, params json.RawMessage) (any, error) {
	var p nsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ns, err := protostore.ParseNamespace(p.Namespace)
	if err != nil {
		return nil, err
	}
	return nil, st.Put(ns, p.ID, p.Value)
}

func storeRemove(st *protostore.Store, params json.RawMessage) (any, error) {
	var p nsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ns, err := protostore.ParseNamespace(p.Namespace)
	if err != nil {
		return nil, err
	}
	st.Remove(ns, p.ID)
	return nil, nil
}

func storeKeys(st *protostore.Store, params json.RawMessage) (any, error) {
	var p nsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ns, err := protostore.ParseNamespace(p.Namespace)
	if err != nil {
		return nil, err
	}
	return st.Keys(ns), nil
}

func storeRemoveAll(st *protostore.Store, params json.RawMessage) (any, error) {
	var p nsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ns, err := protostore.ParseNamespace(p.Namespace)
	if err != nil {
		return nil, err
	}
	st.RemoveAll(ns)
	return nil, nil
}

func storeLocalRegistrationID(st *protostore.Store, _ json.RawMessage) (any, error) {
	return notFound(st.LocalRegistrationID())
}

type keyPairJSON struct {
	PubKey  []byte `json:"pubKey"`
	PrivKey []byte `json:"privKey"`
}

func keyPairResult(kp *protostore.KeyPair, err error) (any, error) {
	if err != nil {
		return notFound(nil, err)
	}
	return keyPairJSON{PubKey: kp.PubKey, PrivKey: kp.PrivKey}, nil
}

func storeIdentityKeyPair(st *protostore.Store, _ json.RawMessage) (any, error) {
	return keyPairResult(st.IdentityKeyPair())
}

type identityParams struct {
	Address             string                    `json:"address"`
	Key                 []byte                    `json:"key"`
	NonblockingApproval bool                      `json:"nonblockingApproval"`
	Verified            protostore.VerifiedStatus `json:"verified"`
}

func storeIsTrustedIdentity(st *protostore.Store, params json.RawMessage) (any, error) {
	var p identityParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return st.IsTrustedIdentity(p.Address, p.Key)
}

type identityJSON struct {
	PublicKey           []byte `json:"publicKey"`
	FirstUse            bool   `json:"firstUse"`
	Timestamp           int64  `json:"timestamp"`
	Verified            int    `json:"verified"`
	NonblockingApproval bool   `json:"nonblockingApproval"`
}

func storeLoadIdentity(st *protostore.Store, params json.RawMessage) (any, error) {
	var p identityParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	rec, err := st.LoadIdentity(p.Address)
	if err != nil {
		return notFound(nil, err)
	}
	return identityJSON{
		PublicKey:           rec.PublicKey,
		FirstUse:            rec.FirstUse,
		Timestamp:           rec.Timestamp.UnixMilli(),
		Verified:            int(rec.Verified),
		NonblockingApproval: rec.NonblockingApproval,
	}, nil
}

// storeSaveIdentity takes a full address (name.device) so a key change can
// archive the sibling devices' sessions.
func storeSaveIdentity(st *protostore.Store, params json.RawMessage) (any, error) {
	var p identityParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	addr, err := protostore.ParseAddress(p.Address)
	if err != nil {
		return nil, err
	}
	return st.SaveIdentity(addr, p.Key, p.NonblockingApproval)
}

func storeSetVerified(st *protostore.Store, params json.RawMessage) (any, error) {
	var p identityParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	switch p.Verified {
	case protostore.VerifiedDefault, protostore.VerifiedVerified, protostore.VerifiedUnverified:
	default:
		return nil, fmt.Errorf("invalid verified status %d", p.Verified)
	}
	return nil, st.SetVerified(p.Address, p.Verified, p.Key)
}

func storeSetApproval(st *protostore.Store, params json.RawMessage) (any, error) {
	var p identityParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, st.SetApproval(p.Address, p.NonblockingApproval)
}

func storeRemoveIdentityKey(st *protostore.Store, params json.RawMessage) (any, error) {
	var p identityParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	st.RemoveIdentity(p.Address)
	return nil, nil
}

type sessionParams struct {
	Address string `json:"address"`
	Record  []byte `json:"record"`
}

func (p sessionParams) addr() (protostore.Address, error) {
	return protostore.ParseAddress(p.Address)
}

func storeLoadSession(st *protostore.Store, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	addr, err := p.addr()
	if err != nil {
		return nil, err
	}
	return notFound(st.LoadSession(addr))
}

func storeStoreSession(st *protostore.Store, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	addr, err := p.addr()
	if err != nil {
		return nil, err
	}
	return nil, st.StoreSession(addr, p.Record)
}

func storeContainsSession(st *protostore.Store, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	addr, err := p.addr()
	if err != nil {
		return nil, err
	}
	return st.ContainsSession(addr), nil
}

func storeRemoveSession(st *protostore.Store, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	addr, err := p.addr()
	if err != nil {
		return nil, err
	}
	st.RemoveSession(addr)
	return nil, nil
}

type nameParams struct {
	Name string `json:"name"`
}

func storeRemoveAllSessions(st *protostore.Store, params json.RawMessage) (any, error) {
	var p nameParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, st.RemoveAllSessions(p.Name)
}

func storeArchiveSession(st *protostore.Store, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	addr, err := p.addr()
	if err != nil {
		return nil, err
	}
	return nil, st.ArchiveSession(addr)
}

func storeArchiveSiblingSessions(st *protostore.Store, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	addr, err := p.addr()
	if err != nil {
		return nil, err
	}
	return nil, st.ArchiveSiblingSessions(addr)
}

func storeArchiveAllSessions(st *protostore.Store, params json.RawMessage) (any, error) {
	var p nameParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, st.ArchiveAllSessions(p.Name)
}

func storeDeviceIDs(st *protostore.Store, params json.RawMessage) (any, error) {
	var p nameParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return st.DeviceIDs(p.Name)
}

type preKeyParams struct {
	KeyID   uint32 `json:"keyId"`
	PubKey  []byte `json:"pubKey"`
	PrivKey []byte `json:"privKey"`
}

func (p preKeyParams) keyPair() protostore.KeyPair {
	return protostore.KeyPair{PubKey: p.PubKey, PrivKey: p.PrivKey}
}

func storeLoadPreKey(st *protostore.Store, params json.RawMessage) (any, error) {
	var p preKeyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return keyPairResult(st.LoadPreKey(p.KeyID))
}

func storeStorePreKey(st *protostore.Store, params json.RawMessage) (any, error) {
	var p preKeyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, st.StorePreKey(p.KeyID, p.keyPair())
}

func storeRemovePreKey(st *protostore.Store, params json.RawMessage) (any, error) {
	var p preKeyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	st.RemovePreKey(p.KeyID)
	return nil, nil
}

func storePreKeyIDs(st *protostore.Store, _ json.RawMessage) (any, error) {
	return st.PreKeyIDs(), nil
}

func storeLoadSignedPreKey(st *protostore.Store, params json.RawMessage) (any, error) {
	var p preKeyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return keyPairResult(st.LoadSignedPreKey(p.KeyID))
}

func storeStoreSignedPreKey(st *protostore.Store, params json.RawMessage) (any, error) {
	var p preKeyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, st.StoreSignedPreKey(p.KeyID, p.keyPair())
}

func storeRemoveSignedPreKey(st *protostore.Store, params json.RawMessage) (any, error) {
	var p preKeyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	st.RemoveSignedPreKey(p.KeyID)
	return nil, nil
}

func storeSignedPreKeyIDs(st *protostore.Store, _ json.RawMessage) (any, error) {
	return st.SignedPreKeyIDs(), nil
}

type groupParams struct {
	ID    string           `json:"id"`
	Value protostore.Value `json:"value"`
}

func storeGetGroup(st *protostore.Store, params json.RawMessage) (any, error) {
	var p groupParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return notFound(st.GetGroup(p.ID))
}

func storePutGroup(st *protostore.Store, params json.RawMessage) (any, error) {
	var p groupParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, st.PutGroup(p.ID, p.Value)
}

func storeRemoveGroup(st *protostore.Store, params json.RawMessage) (any, error) {
	var p groupParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	st.RemoveGroup(p.ID)
	return nil, nil
}

func storeGroupIDs(st *protostore.Store, _ json.RawMessage) (any, error) {
	return st.GroupIDs(), nil
}

type unprocessedJSON struct {
	ID              string `json:"id"`
	Envelope        []byte `json:"envelope"`
	Timestamp       int64  `json:"timestamp"`
	Attempts        int    `json:"attempts"`
	Source          string `json:"source,omitempty"`
	SourceDevice    uint32 `json:"sourceDevice,omitempty"`
	ServerTimestamp int64  `json:"serverTimestamp,omitempty"`
	Decrypted       []byte `json:"decrypted,omitempty"`
}

func storeAddUnprocessed(st *protostore.Store, params json.RawMessage) (any, error) {
	var p unprocessedJSON
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, st.AddUnprocessed(protostore.UnprocessedEnvelope(p))
}

func storeGetUnprocessed(st *protostore.Store, params json.RawMessage) (any, error) {
	var p idParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	u, err := st.GetUnprocessed(p.ID)
	if err != nil {
		return notFound(nil, err)
	}
	return unprocessedJSON(*u), nil
}

func storeAllUnprocessed(st *protostore.Store, _ json.RawMessage) (any, error) {
	all, err := st.AllUnprocessed()
	if err != nil {
		return nil, err
	}
	out := make([]unprocessedJSON, 0, len(all))
	for _, u := range all {
		out = append(out, unprocessedJSON(*u))
	}
	return out, nil
}

func storeUpdateUnprocessedAttempts(st *protostore.Store, params json.RawMessage) (any, error) {
	var p unprocessedJSON
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, st.UpdateUnprocessedAttempts(p.ID, p.Attempts)
}

func storeUpdateUnprocessedWithData(st *protostore.Store, params json.RawMessage) (any, error) {
	var p unprocessedJSON
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, st.UpdateUnprocessedWithData(p.ID, protostore.UnprocessedUpdate{
		Source:          p.Source,
		SourceDevice:    p.SourceDevice,
		ServerTimestamp: p.ServerTimestamp,
		Decrypted:       p.Decrypted,
	})
}

func storeRemoveUnprocessed(st *protostore.Store, params json.RawMessage) (any, error) {
	var p idParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	st.RemoveUnprocessed(p.ID)
	return nil, nil
}

func storeRemoveAllUnprocessed(st *protostore.Store, _ json.RawMessage) (any, error) {
	st.RemoveAllUnprocessed()
	return nil, nil
}

func storeCountUnprocessed(st *protostore.Store, _ json.RawMessage) (any, error) {
	return st.UnprocessedCount(), nil
}
