package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"github.com/polydoc/polydoc-api/internal/backend"
	"github.com/polydoc/polydoc-api/internal/domain"
	"github.com/polydoc/polydoc-api/internal/query"
	"github.com/polydoc/polydoc-api/internal/security"
	"github.com/polydoc/polydoc-api/internal/storage/models"
)

// Edge declares a typed relation from the document being written to another.
type Edge struct {
	To   string
	Type string
}

// CreateRequest describes a new document. Content is optional; a streamed
// upload passes BlobRef instead.
type CreateRequest struct {
	OwnerID    string // admin override; defaults to the caller
	Attributes map[string]any
	Content    []byte
	Text       string // indexed for similarity search when non-empty
	Edges      []Edge
	BlobRef    string
	BlobSize   int64
}

// CreateResult reports the outcome of a create.
type CreateResult struct {
	DocumentID string
	SagaID     string
	// Deduplicated is set when an identical blob already exists and no new
	// document was written.
	Deduplicated bool
}

// Create writes a document across all backends atomically-or-not-at-all.
// Identical content (by hash) short-circuits to the existing document.
func (a *API) Create(ctx context.Context, user *domain.User, req CreateRequest) (*CreateResult, error) {
	if err := a.gate.Authorize(ctx, user, "document.create", "", domain.PermWrite); err != nil {
		return nil, err
	}
	owner := user.UserID
	if req.OwnerID != "" && user.Has(domain.PermAdmin) {
		owner = req.OwnerID
	}

	values := map[string]any{keyOwnerID: owner}
	if len(req.Attributes) > 0 {
		values[keyAttrs] = req.Attributes
	}
	if len(req.Content) > 0 {
		sum := sha256.Sum256(req.Content)
		if existing, err := a.relational.FindByContentHash(ctx, sum[:]); err == nil {
			return &CreateResult{DocumentID: existing.ID, Deduplicated: true}, nil
		} else if !errors.Is(err, backend.ErrNotFound) {
			return nil, mapErr(err)
		}
		values[keyContentHash] = hex.EncodeToString(sum[:])
		values[keyContentB64] = base64.StdEncoding.EncodeToString(req.Content)
	}
	if req.Text != "" {
		values[keyText] = req.Text
	}
	if req.BlobRef != "" {
		values[keyBlobRef] = req.BlobRef
		values[keyBlobSize] = req.BlobSize
	}
	if len(req.Edges) > 0 {
		values[keyEdges] = edgeValues(req.Edges)
	}

	id := domain.NewID()
	sagaID, err := a.sagas.Execute(ctx, KindCreate, id, values)
	a.invalidate(id)
	if err != nil {
		return &CreateResult{DocumentID: id, SagaID: sagaID}, mapErr(err)
	}
	return &CreateResult{DocumentID: id, SagaID: sagaID}, nil
}

// Get returns the merged cross-backend view of one document. Archived
// documents look missing unless includeArchived is set.
func (a *API) Get(ctx context.Context, user *domain.User, documentID string, includeArchived bool) (map[string]any, error) {
	docs, err := a.BatchGet(ctx, user, []string{documentID}, includeArchived)
	if err != nil {
		var partial *domain.PartialError
		if !errors.As(err, &partial) {
			return nil, err
		}
	}
	doc, ok := docs[documentID]
	if !ok {
		return nil, domain.NotFound("document %s not found", documentID)
	}
	return doc, err
}

// BatchGet fetches many documents, serving from cache where a document has
// no write in flight. Archived documents are skipped unless includeArchived
// is set. The returned error is a PartialError when some backends failed but
// the documents are still usable.
func (a *API) BatchGet(ctx context.Context, user *domain.User, ids []string, includeArchived bool) (map[string]map[string]any, error) {
	if err := a.gate.Authorize(ctx, user, "document.batch_get", "", domain.PermRead); err != nil {
		return nil, err
	}
	scope := a.gate.ScopeFor(user)

	out := make(map[string]map[string]any, len(ids))
	var misses []string
	for _, id := range ids {
		if a.sagas.InFlight(id) {
			misses = append(misses, id)
			continue
		}
		cached, ok := a.cache.Get(cacheKey(id))
		if !ok {
			misses = append(misses, id)
			continue
		}
		doc, ok := cached.(map[string]any)
		if !ok {
			misses = append(misses, id)
			continue
		}
		if visible(doc, scope) && (includeArchived || !isArchived(doc)) {
			out[id] = doc
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	result, err := a.reader.GetAll(ctx, misses)
	var partial *domain.PartialError
	if err != nil && !errors.As(err, &partial) {
		return nil, mapErr(err)
	}
	// The relational fragment is authoritative for existence and lifecycle;
	// without it a document cannot be returned.
	relFrags := result.PerBackend[backend.KindRelational]
	if relFrags == nil {
		if relErr, ok := result.Errors[backend.KindRelational]; ok {
			return nil, mapErr(relErr)
		}
		relFrags = map[string]*backend.Fragment{}
	}

	merged := result.Merged()
	for _, id := range misses {
		frag, ok := relFrags[id]
		if !ok {
			continue
		}
		doc := merged[id]
		if doc == nil {
			doc = frag.Fields
		}
		if _, deleted := doc["deleted_at"]; deleted {
			continue
		}
		if !visible(doc, scope) {
			continue
		}
		if !a.sagas.InFlight(id) {
			a.cache.Put(cacheKey(id), doc)
		}
		if !includeArchived && isArchived(doc) {
			continue
		}
		out[id] = doc
	}
	if partial != nil {
		return out, partial
	}
	return out, nil
}

// UpdateRequest mutates a document's attributes and indexed text.
type UpdateRequest struct {
	DocumentID string
	Attributes map[string]any
	Text       string
	Edges      []Edge
	// IfVersion rejects the update when the stored schema version differs.
	// Zero means "whatever version is current".
	IfVersion int64
}

// Update rewrites a document across backends, compensating back to the
// previous state on failure.
func (a *API) Update(ctx context.Context, user *domain.User, req UpdateRequest) (string, error) {
	if err := a.gate.Authorize(ctx, user, "document.update", req.DocumentID, domain.PermWrite); err != nil {
		return "", err
	}
	frag, err := a.ownedLive(ctx, user, "document.update", req.DocumentID)
	if err != nil {
		return "", err
	}
	if _, archived := frag.Fields["archived_at"]; archived {
		return "", domain.ValidationFailed("document %s is archived; restore it before updating", req.DocumentID)
	}

	ifVersion := req.IfVersion
	if ifVersion == 0 {
		ifVersion = frag.Version
	}
	values := map[string]any{
		keyOwnerID:   frag.OwnerID,
		keyIfVersion: ifVersion,
	}
	if len(req.Attributes) > 0 {
		values[keyAttrs] = req.Attributes
	}
	if req.Text != "" {
		values[keyText] = req.Text
	}
	if len(req.Edges) > 0 {
		values[keyEdges] = edgeValues(req.Edges)
	}

	sagaID, err := a.sagas.Execute(ctx, KindUpdate, req.DocumentID, values)
	a.invalidate(req.DocumentID)
	return sagaID, mapErr(err)
}

// Upsert creates the document when absent, updates it otherwise.
func (a *API) Upsert(ctx context.Context, user *domain.User, documentID string, req CreateRequest) (*CreateResult, error) {
	if documentID == "" {
		return a.Create(ctx, user, req)
	}
	_, err := a.relational.Get(ctx, documentID)
	if errors.Is(err, backend.ErrNotFound) {
		return a.Create(ctx, user, req)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	sagaID, err := a.Update(ctx, user, UpdateRequest{
		DocumentID: documentID,
		Attributes: req.Attributes,
		Text:       req.Text,
		Edges:      req.Edges,
	})
	if err != nil {
		return nil, err
	}
	return &CreateResult{DocumentID: documentID, SagaID: sagaID}, nil
}

// DeleteMode selects how much of a document a delete removes.
type DeleteMode string

const (
	// DeleteSoft tombstones the relational row and strips the derived vector
	// and graph fragments; the blob stays and compensation can restore it.
	DeleteSoft DeleteMode = "soft"
	// DeleteHard erases the document from every backend.
	DeleteHard DeleteMode = "hard"
)

// Cascade controls what a hard delete does with the stored blob. Edges never
// survive their node, so the graph side is unaffected by the choice.
type Cascade string

const (
	// CascadeNone leaves the blob behind; deduplicated content may be shared
	// with other documents.
	CascadeNone Cascade = "none"
	// CascadeSelective deletes the blob along with the fragments.
	CascadeSelective Cascade = "selective"
	// CascadeFull deletes everything the document owns.
	CascadeFull Cascade = "full"
)

// Delete removes a document. Soft delete is reversible by compensation; hard
// delete erases backends per the cascade choice.
func (a *API) Delete(ctx context.Context, user *domain.User, documentID string, mode DeleteMode, cascade Cascade) (string, error) {
	if err := a.gate.Authorize(ctx, user, "document.delete", documentID, domain.PermDelete); err != nil {
		return "", err
	}
	switch mode {
	case DeleteSoft, DeleteHard:
	default:
		return "", domain.ValidationFailed("unknown delete mode %q", mode)
	}
	switch cascade {
	case CascadeNone, CascadeSelective, CascadeFull:
	default:
		return "", domain.ValidationFailed("unknown cascade %q", cascade)
	}
	frag, err := a.ownedLive(ctx, user, "document.delete", documentID)
	if err != nil {
		return "", err
	}

	kind := KindSoftDelete
	values := map[string]any{keyOwnerID: frag.OwnerID}
	if mode == DeleteHard {
		kind = KindHardDelete
		values[keyCascade] = string(cascade)
		if ref, ok := frag.Fields["content_ref"].(string); ok {
			values[keyBlobRef] = ref
		}
	}

	sagaID, err := a.sagas.Execute(ctx, kind, documentID, values)
	a.invalidate(documentID)
	return sagaID, mapErr(err)
}

// Archive moves a document under a retention policy. Archived documents
// disappear from plain reads and reject updates until restored.
func (a *API) Archive(ctx context.Context, user *domain.User, documentID, policy string) (string, error) {
	if err := a.gate.Authorize(ctx, user, "document.archive", documentID, domain.PermArchive); err != nil {
		return "", err
	}
	if _, err := domain.ParseRetentionPolicy(policy); err != nil {
		return "", domain.ValidationFailed("unknown retention policy %q", policy)
	}
	frag, err := a.ownedLive(ctx, user, "document.archive", documentID)
	if err != nil {
		return "", err
	}
	if _, archived := frag.Fields["archived_at"]; archived {
		return "", domain.ValidationFailed("document %s is already archived", documentID)
	}

	values := map[string]any{keyOwnerID: frag.OwnerID, keyPolicy: policy}
	sagaID, err := a.sagas.Execute(ctx, KindArchive, documentID, values)
	a.invalidate(documentID)
	return sagaID, mapErr(err)
}

// Restore takes a document back out of the archive.
func (a *API) Restore(ctx context.Context, user *domain.User, documentID string) (string, error) {
	if err := a.gate.Authorize(ctx, user, "document.restore", documentID, domain.PermArchive); err != nil {
		return "", err
	}
	frag, err := a.ownedLive(ctx, user, "document.restore", documentID)
	if err != nil {
		return "", err
	}
	if _, archived := frag.Fields["archived_at"]; !archived {
		return "", domain.ValidationFailed("document %s is not archived", documentID)
	}

	values := map[string]any{keyOwnerID: frag.OwnerID}
	if rec, err := a.archive.Get(ctx, documentID); err == nil {
		values[keyPolicy] = rec.Policy
	}
	sagaID, err := a.sagas.Execute(ctx, KindRestore, documentID, values)
	a.invalidate(documentID)
	return sagaID, mapErr(err)
}

// ListArchived pages the archive index, admin and service roles only.
func (a *API) ListArchived(ctx context.Context, user *domain.User, limit, offset int) ([]*models.ArchiveRecord, error) {
	if err := a.gate.Authorize(ctx, user, "document.list_archived", "", domain.PermRead, domain.PermReadAll); err != nil {
		return nil, err
	}
	return a.archive.List(ctx, limit, offset)
}

// Search runs a polyglot query under the caller's row-level scope.
func (a *API) Search(ctx context.Context, user *domain.User, req query.Request) (*query.Result, error) {
	if err := a.gate.Authorize(ctx, user, "document.search", "", domain.PermRead); err != nil {
		return nil, err
	}
	return a.planner.Execute(ctx, req, a.gate.ScopeFor(user))
}

// SagaStatus exposes the durable saga record for operators.
func (a *API) SagaStatus(ctx context.Context, user *domain.User, sagaID string) (*models.SagaRecord, error) {
	if err := a.gate.Authorize(ctx, user, "saga.status", sagaID, domain.PermAdmin); err != nil {
		return nil, err
	}
	return a.sagas.Status(ctx, sagaID)
}

// ownedLive loads the relational fragment and enforces ownership and the
// soft-delete tombstone.
func (a *API) ownedLive(ctx context.Context, user *domain.User, operation, documentID string) (*backend.Fragment, error) {
	frag, err := a.relational.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, domain.NotFound("document %s not found", documentID)
		}
		return nil, mapErr(err)
	}
	if err := a.gate.CheckOwnership(user, operation, documentID, frag.OwnerID); err != nil {
		return nil, err
	}
	if _, deleted := frag.Fields["deleted_at"]; deleted {
		return nil, domain.NotFound("document %s not found", documentID)
	}
	return frag, nil
}

func isArchived(doc map[string]any) bool {
	_, archived := doc["archived_at"]
	return archived
}

func visible(doc map[string]any, scope security.Scope) bool {
	if scope.All {
		return true
	}
	owner, _ := doc["owner_id"].(string)
	return owner == "" || owner == scope.OwnerID
}

func edgeValues(edges []Edge) []any {
	out := make([]any, len(edges))
	for i, e := range edges {
		out[i] = map[string]any{"to": e.To, "type": e.Type}
	}
	return out
}

// mapErr normalizes backend-layer errors to the typed error surface.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var typed *domain.Error
	if errors.As(err, &typed) {
		if typed.Tag == domain.TagOrphaned {
			// The saga record keeps the orphan details for operators;
			// callers get an internal failure.
			return domain.Internal(err)
		}
		return err
	}
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return domain.NotFound("record not found")
	case errors.Is(err, backend.ErrVersionConflict):
		return &domain.Error{Tag: domain.TagVersionConflict, Msg: "optimistic lock mismatch", Err: err}
	}
	var transient *backend.TransientError
	if errors.As(err, &transient) {
		return domain.Transient(string(transient.Backend), err)
	}
	var permanent *backend.PermanentError
	if errors.As(err, &permanent) {
		return domain.Permanent(string(permanent.Backend), err)
	}
	var partial *domain.PartialError
	if errors.As(err, &partial) {
		return err
	}
	return domain.Internal(err)
}
