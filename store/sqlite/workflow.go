package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/lifecycle"
)

// CreateOpportunity persists a new opportunity.
func (s *Store) CreateOpportunity(ctx context.Context, o *lifecycle.Opportunity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO introq_opportunities
			(id, connector_user_id, subject_id, status, bounty_credits, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ConnectorUserID, o.SubjectID, string(o.Status),
		o.BountyCredits, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("introq/sqlite: create opportunity: %w", err)
	}
	return nil
}

// GetOpportunity retrieves an opportunity by ID.
func (s *Store) GetOpportunity(ctx context.Context, oppID id.OpportunityID) (*lifecycle.Opportunity, error) {
	var (
		o         lifecycle.Opportunity
		statusStr string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, connector_user_id, subject_id, status, bounty_credits, created_at, updated_at
		FROM introq_opportunities WHERE id = ?`,
		oppID,
	).Scan(&o.ID, &o.ConnectorUserID, &o.SubjectID, &statusStr, &o.BountyCredits, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, introq.ErrOpportunityNotFound
		}
		return nil, fmt.Errorf("introq/sqlite: get opportunity: %w", err)
	}
	o.Status = lifecycle.Status(statusStr)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

// UpdateOpportunity persists changes to an opportunity.
func (s *Store) UpdateOpportunity(ctx context.Context, o *lifecycle.Opportunity) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE introq_opportunities SET
			connector_user_id = ?, subject_id = ?, status = ?,
			bounty_credits = ?, updated_at = ?
		WHERE id = ?`,
		o.ConnectorUserID, o.SubjectID, string(o.Status),
		o.BountyCredits, time.Now().UTC(), o.ID,
	)
	if err != nil {
		return fmt.Errorf("introq/sqlite: update opportunity: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return introq.ErrOpportunityNotFound
	}
	return nil
}

// CreateRequest persists a new request.
func (s *Store) CreateRequest(ctx context.Context, r *lifecycle.Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO introq_requests
			(id, requestor_user_id, introducee_user_id, subject_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequestorUserID, r.IntroduceeUserID, r.SubjectID,
		string(r.Status), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("introq/sqlite: create request: %w", err)
	}
	return nil
}

// GetRequest retrieves a request by ID.
func (s *Store) GetRequest(ctx context.Context, reqID id.RequestID) (*lifecycle.Request, error) {
	var (
		r         lifecycle.Request
		statusStr string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, requestor_user_id, introducee_user_id, subject_id, status, created_at, updated_at
		FROM introq_requests WHERE id = ?`,
		reqID,
	).Scan(&r.ID, &r.RequestorUserID, &r.IntroduceeUserID, &r.SubjectID, &statusStr, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, introq.ErrRequestNotFound
		}
		return nil, fmt.Errorf("introq/sqlite: get request: %w", err)
	}
	r.Status = lifecycle.Status(statusStr)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

// UpdateRequest persists changes to a request.
func (s *Store) UpdateRequest(ctx context.Context, r *lifecycle.Request) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE introq_requests SET
			requestor_user_id = ?, introducee_user_id = ?, subject_id = ?,
			status = ?, updated_at = ?
		WHERE id = ?`,
		r.RequestorUserID, r.IntroduceeUserID, r.SubjectID,
		string(r.Status), time.Now().UTC(), r.ID,
	)
	if err != nil {
		return fmt.Errorf("introq/sqlite: update request: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return introq.ErrRequestNotFound
	}
	return nil
}

// CreateOffer persists a new offer.
func (s *Store) CreateOffer(ctx context.Context, o *lifecycle.Offer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO introq_offers
			(id, offering_user_id, introducee_user_id, subject_id, status, bounty_credits, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.OfferingUserID, o.IntroduceeUserID, o.SubjectID,
		string(o.Status), o.BountyCredits, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("introq/sqlite: create offer: %w", err)
	}
	return nil
}

// GetOffer retrieves an offer by ID.
func (s *Store) GetOffer(ctx context.Context, offerID id.OfferID) (*lifecycle.Offer, error) {
	var (
		o         lifecycle.Offer
		statusStr string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, offering_user_id, introducee_user_id, subject_id, status, bounty_credits, created_at, updated_at
		FROM introq_offers WHERE id = ?`,
		offerID,
	).Scan(&o.ID, &o.OfferingUserID, &o.IntroduceeUserID, &o.SubjectID, &statusStr, &o.BountyCredits, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, introq.ErrOfferNotFound
		}
		return nil, fmt.Errorf("introq/sqlite: get offer: %w", err)
	}
	o.Status = lifecycle.Status(statusStr)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

// UpdateOffer persists changes to an offer.
func (s *Store) UpdateOffer(ctx context.Context, o *lifecycle.Offer) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE introq_offers SET
			offering_user_id = ?, introducee_user_id = ?, subject_id = ?,
			status = ?, bounty_credits = ?, updated_at = ?
		WHERE id = ?`,
		o.OfferingUserID, o.IntroduceeUserID, o.SubjectID,
		string(o.Status), o.BountyCredits, time.Now().UTC(), o.ID,
	)
	if err != nil {
		return fmt.Errorf("introq/sqlite: update offer: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return introq.ErrOfferNotFound
	}
	return nil
}

// refQuery pulls the kind-agnostic view across all three variant tables.
const refQuery = `
	SELECT 'opportunity' AS kind, id, subject_id, connector_user_id AS owner, status, bounty_credits AS bounty
	FROM introq_opportunities WHERE subject_id = ? AND status IN (%[1]s)
	UNION ALL
	SELECT 'request', id, subject_id, requestor_user_id, status, 0
	FROM introq_requests WHERE subject_id = ? AND status IN (%[1]s)
	UNION ALL
	SELECT 'offer', id, subject_id, offering_user_id, status, bounty_credits
	FROM introq_offers WHERE subject_id = ? AND status IN (%[1]s)`

// ListActiveBySubject returns all workflows for the subject still in their
// initial status, across variants.
func (s *Store) ListActiveBySubject(ctx context.Context, subjectID id.UserID) ([]lifecycle.Ref, error) {
	return s.refsBySubject(ctx, subjectID, `'open', 'created'`)
}

// ListPausedBySubject returns all paused workflows for the subject, across
// variants.
func (s *Store) ListPausedBySubject(ctx context.Context, subjectID id.UserID) ([]lifecycle.Ref, error) {
	return s.refsBySubject(ctx, subjectID, `'paused'`)
}

func (s *Store) refsBySubject(ctx context.Context, subjectID id.UserID, statuses string) ([]lifecycle.Ref, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(refQuery, statuses),
		subjectID, subjectID, subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("introq/sqlite: refs by subject: %w", err)
	}
	defer rows.Close()

	refs := make([]lifecycle.Ref, 0)
	for rows.Next() {
		var (
			ref       lifecycle.Ref
			kindStr   string
			statusStr string
		)
		if err := rows.Scan(&kindStr, &ref.ID, &ref.SubjectID, &ref.OwnerUserID, &statusStr, &ref.Bounty); err != nil {
			return nil, fmt.Errorf("introq/sqlite: scan ref: %w", err)
		}
		ref.Kind = lifecycle.Kind(kindStr)
		ref.Status = lifecycle.Status(statusStr)
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introq/sqlite: iterate refs: %w", err)
	}
	return refs, nil
}

// UpdateWorkflowStatus sets the status of a single workflow by kind and ID.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, kind lifecycle.Kind, entityID id.ID, status lifecycle.Status) error {
	var table string
	var notFound error
	switch kind {
	case lifecycle.KindOpportunity:
		table, notFound = "introq_opportunities", introq.ErrOpportunityNotFound
	case lifecycle.KindRequest:
		table, notFound = "introq_requests", introq.ErrRequestNotFound
	case lifecycle.KindOffer:
		table, notFound = "introq_offers", introq.ErrOfferNotFound
	default:
		return introq.ErrInvalidTransition
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET status = ?, updated_at = ? WHERE id = ?`, table),
		string(status), time.Now().UTC(), entityID,
	)
	if err != nil {
		return fmt.Errorf("introq/sqlite: update workflow status: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return notFound
	}
	return nil
}
