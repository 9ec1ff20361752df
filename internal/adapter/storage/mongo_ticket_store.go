package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/rl1809/supermarket/internal/core/domain"
)

const DefaultTicketCollection = "sales_tickets"

// MongoTicketStore keeps one document per sale, keyed by sale_id.
type MongoTicketStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	now        func() time.Time
}

func NewMongoTicketStore(client *mongo.Client, database, collection string) *MongoTicketStore {
	if collection == "" {
		collection = DefaultTicketCollection
	}
	return &MongoTicketStore{
		client:     client,
		collection: client.Database(database).Collection(collection),
		now:        time.Now,
	}
}

// EnsureIndexes creates the unique sale_id index that makes upserts safe
// under concurrent deliveries of the same event.
func (m *MongoTicketStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "sale_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_sale_id"),
	})
	if err != nil {
		return fmt.Errorf("create sale_id index: %w", err)
	}
	return nil
}

func (m *MongoTicketStore) UpsertTicket(ctx context.Context, ticket domain.Ticket) error {
	doc, err := ticketDocument(ticket)
	if err != nil {
		return err
	}
	filter := bson.D{{Key: "sale_id", Value: ticket.ID}}
	update := bson.D{
		{Key: "$set", Value: doc},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "created_at", Value: m.now().UTC()},
			{Key: "synced_from_outbox", Value: true},
		}},
	}
	opts := options.Update().SetUpsert(true)

	_, err = m.collection.UpdateOne(ctx, filter, update, opts)
	if mongo.IsDuplicateKeyError(err) {
		// Two upserts raced on the insert; the loser now matches the
		// winner's document.
		_, err = m.collection.UpdateOne(ctx, filter, update, opts)
	}
	if err != nil {
		return fmt.Errorf("upsert ticket %s: %w", ticket.ID, err)
	}
	return nil
}

func (m *MongoTicketStore) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// ticketDocument renders the replicated fields of a ticket. Money is stored
// as Decimal128 so nothing is lost to float conversion.
func ticketDocument(t domain.Ticket) (bson.D, error) {
	money := func(d decimal.Decimal) (primitive.Decimal128, error) {
		v, err := primitive.ParseDecimal128(d.String())
		if err != nil {
			return primitive.Decimal128{}, fmt.Errorf("sale %s: amount %s: %w", t.ID, d, err)
		}
		return v, nil
	}

	items := make(bson.A, 0, len(t.Lines))
	for _, l := range t.Lines {
		unit, err := money(l.UnitPrice)
		if err != nil {
			return nil, err
		}
		sub, err := money(l.Subtotal)
		if err != nil {
			return nil, err
		}
		batches := make(bson.A, 0, len(l.Batches))
		for _, b := range l.Batches {
			batches = append(batches, bson.D{
				{Key: "batch_id", Value: b.BatchID},
				{Key: "batch_code", Value: b.BatchCode},
				{Key: "quantity", Value: b.Quantity},
			})
		}
		items = append(items, bson.D{
			{Key: "product_id", Value: l.ProductID},
			{Key: "product_name", Value: l.ProductName},
			{Key: "sku", Value: l.SKU},
			{Key: "quantity", Value: l.Quantity},
			{Key: "unit_price", Value: unit},
			{Key: "subtotal", Value: sub},
			{Key: "batches", Value: batches},
		})
	}

	amounts := make(map[string]primitive.Decimal128, 4)
	for name, d := range map[string]decimal.Decimal{
		"subtotal":    t.Subtotal,
		"tax_rate":    t.TaxRate,
		"tax":         t.Tax,
		"grand_total": t.GrandTotal,
	} {
		v, err := money(d)
		if err != nil {
			return nil, err
		}
		amounts[name] = v
	}

	payment := bson.D{{Key: "method", Value: string(t.PaymentMethod)}}
	if pd := t.PaymentDetails; pd != nil {
		if pd.AmountPaid != nil {
			v, err := money(*pd.AmountPaid)
			if err != nil {
				return nil, err
			}
			payment = append(payment, bson.E{Key: "amount_paid", Value: v})
		}
		if pd.Change != nil {
			v, err := money(*pd.Change)
			if err != nil {
				return nil, err
			}
			payment = append(payment, bson.E{Key: "change", Value: v})
		}
	}

	return bson.D{
		{Key: "sale_id", Value: t.ID},
		{Key: "cashier", Value: bson.D{
			{Key: "user_id", Value: t.CashierID},
			{Key: "username", Value: t.CashierName},
		}},
		{Key: "items", Value: items},
		{Key: "subtotal", Value: amounts["subtotal"]},
		{Key: "tax_rate", Value: amounts["tax_rate"]},
		{Key: "tax", Value: amounts["tax"]},
		{Key: "grand_total", Value: amounts["grand_total"]},
		{Key: "payment", Value: payment},
		{Key: "status", Value: string(t.Status)},
		{Key: "timestamp", Value: t.Timestamp.UTC()},
		{Key: "outbox_event_id", Value: t.OutboxEventID},
	}, nil
}
