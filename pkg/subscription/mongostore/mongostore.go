// Package mongostore persists subscriptions and reads the plan catalog from MongoDB.
package mongostore

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/memberbridge/pkg/subscription"
)

// Collection names.
const (
	ColSubscriptions = "subscriptions"
	ColPlans         = "paypals"
)

const (
	idxSubscriptionID = "subscription_id_unique"
	idxActivePair     = "active_member_plan_unique"
	idxExpiry         = "finished_deleted_finish_date"
	idxMember         = "member_active_created"
)

var (
	_ subscription.Store       = (*Store)(nil)
	_ subscription.PlanCatalog = (*Store)(nil)
)

// Store implements subscription.Store and subscription.PlanCatalog.
type Store struct {
	subs  *mongo.Collection
	plans *mongo.Collection
}

// New creates a Store over db.
func New(db *mongo.Database) *Store {
	return &Store{
		subs:  db.Collection(ColSubscriptions),
		plans: db.Collection(ColPlans),
	}
}

// Migrate creates the indexes the store relies on. The partial unique index enforces
// at most one unfinished subscription per (member email, plan).
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.subs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "subscriptionId", Value: 1}},
			Options: options.Index().SetName(idxSubscriptionID).SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "memberEmail", Value: 1}, {Key: "planId", Value: 1}},
			Options: options.Index().
				SetName(idxActivePair).
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"finished": false}),
		},
		{
			Keys:    bson.D{{Key: "finished", Value: 1}, {Key: "deleted", Value: 1}, {Key: "finishDate", Value: 1}},
			Options: options.Index().SetName(idxExpiry),
		},
		{
			Keys:    bson.D{{Key: "memberId", Value: 1}, {Key: "finished", Value: 1}, {Key: "createdAt", Value: -1}},
			Options: options.Index().SetName(idxMember),
		},
	})
	if err != nil {
		return errors.Join(subscription.ErrStorage, err)
	}

	_, err = s.plans.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "planId", Value: 1}},
		Options: options.Index().SetName("plan_id_unique").SetUnique(true),
	})
	if err != nil {
		return errors.Join(subscription.ErrStorage, err)
	}
	return nil
}

type subscriptionDoc struct {
	SubscriptionID string     `bson:"subscriptionId"`
	PlanID         string     `bson:"planId"`
	MemberID       string     `bson:"memberId"`
	MemberEmail    string     `bson:"memberEmail"`
	Email          string     `bson:"email"`
	EntitlementID  string     `bson:"memberstackPlanId"`
	Finished       bool       `bson:"finished"`
	FinishDate     *time.Time `bson:"finishDate,omitempty"`
	Deleted        bool       `bson:"deleted"`
	CreatedAt      time.Time  `bson:"createdAt"`
	UpdatedAt      time.Time  `bson:"updatedAt"`
}

func toDoc(s *subscription.Subscription) subscriptionDoc {
	return subscriptionDoc{
		SubscriptionID: s.SubscriptionID,
		PlanID:         s.PlanID,
		MemberID:       s.MemberID,
		MemberEmail:    subscription.NormalizeEmail(s.MemberEmail),
		Email:          s.PayerEmail,
		EntitlementID:  s.EntitlementID,
		CreatedAt:      s.CreatedAt.UTC(),
		UpdatedAt:      s.UpdatedAt.UTC(),
	}
}

func (d subscriptionDoc) model() *subscription.Subscription {
	sub := &subscription.Subscription{
		SubscriptionID: d.SubscriptionID,
		PlanID:         d.PlanID,
		MemberID:       d.MemberID,
		MemberEmail:    d.MemberEmail,
		PayerEmail:     d.Email,
		EntitlementID:  d.EntitlementID,
		Finished:       d.Finished,
		Deleted:        d.Deleted,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
	if d.FinishDate != nil {
		t := d.FinishDate.UTC()
		sub.FinishDate = &t
	}
	return sub
}

func (s *Store) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*subscription.Subscription, error) {
	return s.findOne(ctx, bson.M{"subscriptionId": subscriptionID}, nil)
}

func (s *Store) FindActive(ctx context.Context, memberEmail, planID string) (*subscription.Subscription, error) {
	return s.findOne(ctx, bson.M{"memberEmail": subscription.NormalizeEmail(memberEmail), "planId": planID, "finished": false}, nil)
}

func (s *Store) FindActiveByMember(ctx context.Context, memberID string) (*subscription.Subscription, error) {
	return s.findOne(ctx,
		bson.M{"memberId": memberID, "finished": false},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}}),
	)
}

func (s *Store) findOne(ctx context.Context, filter bson.M, opts *options.FindOneOptionsBuilder) (*subscription.Subscription, error) {
	var res *mongo.SingleResult
	if opts != nil {
		res = s.subs.FindOne(ctx, filter, opts)
	} else {
		res = s.subs.FindOne(ctx, filter)
	}

	var doc subscriptionDoc
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, subscription.ErrSubscriptionNotFound
		}
		return nil, errors.Join(subscription.ErrStorage, err)
	}
	return doc.model(), nil
}

func (s *Store) Insert(ctx context.Context, sub *subscription.Subscription) error {
	if _, err := s.subs.InsertOne(ctx, toDoc(sub)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if strings.Contains(err.Error(), idxActivePair) {
				return subscription.ErrSubscriptionAlreadyActive
			}
			return subscription.ErrSubscriptionExists
		}
		return errors.Join(subscription.ErrStorage, err)
	}
	return nil
}

func (s *Store) MarkFinished(ctx context.Context, subscriptionID string, finishDate *time.Time, now time.Time) (bool, error) {
	set := bson.M{"finished": true, "updatedAt": now.UTC()}
	update := bson.M{"$set": set}
	if finishDate != nil {
		set["finishDate"] = finishDate.UTC()
	} else {
		update["$unset"] = bson.M{"finishDate": ""}
	}
	return s.transition(ctx, subscriptionID, bson.M{"subscriptionId": subscriptionID, "finished": false}, update)
}

func (s *Store) MarkDeleted(ctx context.Context, subscriptionID string, now time.Time) (bool, error) {
	return s.transition(ctx, subscriptionID,
		bson.M{"subscriptionId": subscriptionID, "finished": true, "deleted": false},
		bson.M{"$set": bson.M{"deleted": true, "updatedAt": now.UTC()}},
	)
}

// transition applies update only when filter still matches. A miss is told apart from
// an unknown record with a follow-up count.
func (s *Store) transition(ctx context.Context, subscriptionID string, filter, update bson.M) (bool, error) {
	res, err := s.subs.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, errors.Join(subscription.ErrStorage, err)
	}
	if res.ModifiedCount > 0 {
		return true, nil
	}

	n, err := s.subs.CountDocuments(ctx, bson.M{"subscriptionId": subscriptionID})
	if err != nil {
		return false, errors.Join(subscription.ErrStorage, err)
	}
	if n == 0 {
		return false, subscription.ErrSubscriptionNotFound
	}
	return false, nil
}

func (s *Store) Delete(ctx context.Context, subscriptionID string) error {
	res, err := s.subs.DeleteOne(ctx, bson.M{"subscriptionId": subscriptionID})
	if err != nil {
		return errors.Join(subscription.ErrStorage, err)
	}
	if res.DeletedCount == 0 {
		return subscription.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]subscription.Subscription, error) {
	filter := bson.M{
		"finished": true,
		"deleted":  false,
		"$or": bson.A{
			bson.M{"finishDate": nil},
			bson.M{"finishDate": bson.M{"$lte": now.UTC()}},
		},
	}
	cur, err := s.subs.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "subscriptionId", Value: 1}}))
	if err != nil {
		return nil, errors.Join(subscription.ErrStorage, err)
	}

	var docs []subscriptionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Join(subscription.ErrStorage, err)
	}

	expired := make([]subscription.Subscription, 0, len(docs))
	for _, d := range docs {
		expired = append(expired, *d.model())
	}
	return expired, nil
}

// planDoc mirrors the catalog collection. Prices are stored in major currency units.
type planDoc struct {
	PlanID        string  `bson:"planId"`
	ProductID     string  `bson:"productId"`
	Name          string  `bson:"name"`
	Price         float64 `bson:"price"`
	SalePrice     float64 `bson:"salePrice"`
	Currency      string  `bson:"currency,omitempty"`
	Interval      string  `bson:"interval"`
	EntitlementID string  `bson:"memberstackPlanId"`
}

// Plan implements subscription.PlanCatalog.
func (s *Store) Plan(ctx context.Context, planID string) (*subscription.Plan, error) {
	var doc planDoc
	if err := s.plans.FindOne(ctx, bson.M{"planId": planID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, subscription.ErrPlanNotFound
		}
		return nil, errors.Join(subscription.ErrStorage, err)
	}

	currency := doc.Currency
	if currency == "" {
		currency = "USD"
	}
	plan := &subscription.Plan{
		PlanID:        doc.PlanID,
		ProductID:     doc.ProductID,
		Name:          doc.Name,
		Price:         subscription.Money{Amount: minorUnits(doc.Price), Currency: currency},
		Interval:      subscription.BillingInterval(strings.ToUpper(doc.Interval)),
		EntitlementID: doc.EntitlementID,
	}
	if doc.SalePrice > 0 {
		plan.SalePrice = &subscription.Money{Amount: minorUnits(doc.SalePrice), Currency: currency}
	}
	if err := subscription.ValidatePlans(*plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// SavePlan upserts a catalog entry. Used for seeding.
func (s *Store) SavePlan(ctx context.Context, plan subscription.Plan) error {
	doc := planDoc{
		PlanID:        plan.PlanID,
		ProductID:     plan.ProductID,
		Name:          plan.Name,
		Price:         majorUnits(plan.Price.Amount),
		Currency:      plan.Price.Currency,
		Interval:      string(plan.Interval),
		EntitlementID: plan.EntitlementID,
	}
	if plan.SalePrice != nil {
		doc.SalePrice = majorUnits(plan.SalePrice.Amount)
	}
	_, err := s.plans.ReplaceOne(ctx, bson.M{"planId": plan.PlanID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.Join(subscription.ErrStorage, err)
	}
	return nil
}

func minorUnits(v float64) int64 {
	return int64(math.Round(v * 100))
}

func majorUnits(v int64) float64 {
	return float64(v) / 100
}
