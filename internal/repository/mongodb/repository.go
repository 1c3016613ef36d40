package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mamadbah2/chanway/internal/domain/models"
	"github.com/mamadbah2/chanway/internal/repository"
)

const (
	instancesCollection    = "channel_instances"
	integrationsCollection = "company_integrations"
)

// MongoDBRepository implements repository.Store on MongoDB.
type MongoDBRepository struct {
	client *mongo.Client
	dbName string
	now    func() time.Time
}

var _ repository.Store = (*MongoDBRepository)(nil)

type integrationDoc struct {
	CompanyID string    `bson:"company_id"`
	Provider  string    `bson:"provider"`
	APIKeyEnc string    `bson:"api_key_enc"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongoDBRepository connects to MongoDB and ensures the indexes the gateway relies on.
func NewMongoDBRepository(ctx context.Context, uri string, dbName string) (*MongoDBRepository, error) {
	clientOptions := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	r := &MongoDBRepository{
		client: client,
		dbName: dbName,
		now:    time.Now,
	}
	if err := r.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return r, nil
}

func (r *MongoDBRepository) instances() *mongo.Collection {
	return r.client.Database(r.dbName).Collection(instancesCollection)
}

func (r *MongoDBRepository) integrations() *mongo.Collection {
	return r.client.Database(r.dbName).Collection(integrationsCollection)
}

func (r *MongoDBRepository) ensureIndexes(ctx context.Context) error {
	_, err := r.instances().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "instance_name", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "company_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create instance indexes: %w", err)
	}
	_, err = r.integrations().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "company_id", Value: 1}, {Key: "provider", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create integration indexes: %w", err)
	}
	return nil
}

// Insert stores a new instance document.
func (r *MongoDBRepository) Insert(ctx context.Context, inst *models.ChannelInstance) error {
	now := r.now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	if _, err := r.instances().InsertOne(ctx, inst); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("instance %q: %w", inst.InstanceName, models.ErrConflict)
		}
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	return nil
}

// Get returns the instance with the given id.
func (r *MongoDBRepository) Get(ctx context.Context, id string) (*models.ChannelInstance, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

// GetByName returns the instance with the given provider-facing name.
func (r *MongoDBRepository) GetByName(ctx context.Context, name string) (*models.ChannelInstance, error) {
	return r.findOne(ctx, bson.M{"instance_name": name})
}

func (r *MongoDBRepository) findOne(ctx context.Context, filter bson.M) (*models.ChannelInstance, error) {
	var inst models.ChannelInstance
	err := r.instances().FindOne(ctx, filter).Decode(&inst)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("instance %v: %w", filter, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read instance: %w", err)
	}
	return &inst, nil
}

// List returns the instances matching filter ordered by creation time.
func (r *MongoDBRepository) List(ctx context.Context, filter repository.InstanceFilter) ([]models.ChannelInstance, error) {
	query := bson.M{}
	if filter.CompanyID != "" {
		query["company_id"] = filter.CompanyID
	}
	if filter.ChannelType != "" {
		query["channel_type"] = filter.ChannelType
	}
	if len(filter.States) > 0 {
		query["state"] = bson.M{"$in": filter.States}
	}

	cursor, err := r.instances().Find(ctx, query, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	var out []models.ChannelInstance
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode instances: %w", err)
	}
	return out, nil
}

// Update applies patch to the document with the given id and returns the new document.
func (r *MongoDBRepository) Update(ctx context.Context, id string, patch repository.InstancePatch) (*models.ChannelInstance, error) {
	set := bson.M{"updated_at": r.now().UTC()}
	unset := bson.M{}

	setOrUnset := func(field string, value *string) {
		if value == nil {
			return
		}
		if *value == "" {
			unset[field] = ""
			return
		}
		set[field] = *value
	}

	if patch.State != nil {
		set["state"] = *patch.State
	}
	setOrUnset("phone_number", patch.PhoneNumber)
	setOrUnset("profile_name", patch.ProfileName)
	setOrUnset("error_message", patch.ErrorMessage)
	setOrUnset("telegram_bot_token_enc", patch.TelegramBotTokenEnc)
	if patch.StatusRaw != nil {
		set["status_raw"] = *patch.StatusRaw
	}
	if patch.LastConnectedAt != nil {
		set["last_connected_at"] = patch.LastConnectedAt.UTC()
	}
	if patch.LastDisconnectedAt != nil {
		set["last_disconnected_at"] = patch.LastDisconnectedAt.UTC()
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	var inst models.ChannelInstance
	err := r.instances().FindOneAndUpdate(ctx, bson.M{"_id": id}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&inst)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("update instance %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update instance %s: %w", id, err)
	}
	return &inst, nil
}

// Delete removes the document with the given id.
func (r *MongoDBRepository) Delete(ctx context.Context, id string) error {
	res, err := r.instances().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("delete instance %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// APIKey returns the tenant override key for provider.
func (r *MongoDBRepository) APIKey(ctx context.Context, companyID string, provider models.ChannelType) (string, error) {
	var doc integrationDoc
	err := r.integrations().FindOne(ctx, bson.M{"company_id": companyID, "provider": string(provider)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", fmt.Errorf("api key for %s/%s: %w", companyID, provider, models.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read api key: %w", err)
	}
	return doc.APIKeyEnc, nil
}

// SetAPIKey stores or replaces the tenant override key for provider.
func (r *MongoDBRepository) SetAPIKey(ctx context.Context, companyID string, provider models.ChannelType, apiKey string) error {
	_, err := r.integrations().UpdateOne(ctx,
		bson.M{"company_id": companyID, "provider": string(provider)},
		bson.M{"$set": integrationDoc{CompanyID: companyID, Provider: string(provider), APIKeyEnc: apiKey, UpdatedAt: r.now().UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store api key: %w", err)
	}
	return nil
}

// Close closes the MongoDB connection.
func (r *MongoDBRepository) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}
