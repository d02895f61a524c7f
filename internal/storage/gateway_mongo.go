package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoGatewayStore implements GatewayStore using MongoDB, with one
// collection per entity.
type MongoGatewayStore struct {
	client   *mongo.Client
	db       *mongo.Database
	servers  *mongo.Collection
	tools    *mongo.Collection
	users    *mongo.Collection
	wallets  *mongo.Collection
	apiKeys  *mongo.Collection
	usage    *mongo.Collection
	payments *mongo.Collection
	captureRetries *mongo.Collection
}

// NewMongoGatewayStore connects to MongoDB and prepares gateway collections.
func NewMongoGatewayStore(connectionString, database string) (*MongoGatewayStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	store := &MongoGatewayStore{
		client:   client,
		db:       db,
		servers:  db.Collection("servers"),
		tools:    db.Collection("tools"),
		users:    db.Collection("gateway_users"),
		wallets:  db.Collection("wallets"),
		apiKeys:  db.Collection("gateway_api_keys"),
		usage:    db.Collection("tool_usage"),
		payments: db.Collection("gateway_payments"),
		captureRetries: db.Collection("gateway_capture_retries"),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

func (s *MongoGatewayStore) createIndexes(ctx context.Context) error {
	_, err := s.servers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "public_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create servers index: %w", err)
	}
	_, err = s.wallets.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "address", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *MongoGatewayStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type mongoServerDoc struct {
	InternalID      string            `bson:"internal_id"`
	PublicID        string            `bson:"public_id"`
	MCPOrigin       string            `bson:"mcp_origin"`
	ReceiverAddress string            `bson:"receiver_address"`
	RequireAuth     bool              `bson:"require_auth"`
	AuthHeaders     map[string]string `bson:"auth_headers,omitempty"`
	CreatorID       string            `bson:"creator_id"`
	CreatedAt       time.Time         `bson:"created_at"`
}

func (s *MongoGatewayStore) GetServerByPublicID(ctx context.Context, publicID string) (*Server, error) {
	var doc mongoServerDoc
	if err := s.servers.FindOne(ctx, bson.M{"public_id": publicID}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get server by public id: %w", err)
	}
	return &Server{
		InternalID:      doc.InternalID,
		PublicID:        doc.PublicID,
		MCPOrigin:       doc.MCPOrigin,
		ReceiverAddress: doc.ReceiverAddress,
		RequireAuth:     doc.RequireAuth,
		AuthHeaders:     doc.AuthHeaders,
		CreatorID:       doc.CreatorID,
		CreatedAt:       doc.CreatedAt,
	}, nil
}

type mongoToolDoc struct {
	ID               string         `bson:"id"`
	ServerInternalID string         `bson:"server_internal_id"`
	Name             string         `bson:"name"`
	InputSchema      map[string]any `bson:"input_schema,omitempty"`
	IsMonetized      bool           `bson:"is_monetized"`
	Pricing          []PricingEntry `bson:"pricing"`
}

func (s *MongoGatewayStore) ListToolsByServer(ctx context.Context, serverInternalID string) ([]Tool, error) {
	cur, err := s.tools.Find(ctx, bson.M{"server_internal_id": serverInternalID})
	if err != nil {
		return nil, fmt.Errorf("list tools by server: %w", err)
	}
	defer cur.Close(ctx)

	var tools []Tool
	for cur.Next(ctx) {
		var doc mongoToolDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		tools = append(tools, Tool{
			ID:               doc.ID,
			ServerInternalID: doc.ServerInternalID,
			Name:             doc.Name,
			InputSchema:      doc.InputSchema,
			IsMonetized:      doc.IsMonetized,
			Pricing:          doc.Pricing,
		})
	}
	return tools, cur.Err()
}

func (s *MongoGatewayStore) GetToolByID(ctx context.Context, id string) (*Tool, error) {
	var doc mongoToolDoc
	if err := s.tools.FindOne(ctx, bson.M{"id": id}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tool by id: %w", err)
	}
	return &Tool{
		ID:               doc.ID,
		ServerInternalID: doc.ServerInternalID,
		Name:             doc.Name,
		InputSchema:      doc.InputSchema,
		IsMonetized:      doc.IsMonetized,
		Pricing:          doc.Pricing,
	}, nil
}

type mongoAPIKeyDoc struct {
	KeyHash   string     `bson:"key_hash"`
	UserID    string     `bson:"user_id"`
	Label     string     `bson:"label"`
	CreatedAt time.Time  `bson:"created_at"`
	RevokedAt *time.Time `bson:"revoked_at,omitempty"`
}

func (s *MongoGatewayStore) ValidateAPIKey(ctx context.Context, keyHash string) (*User, *APIKey, error) {
	var doc mongoAPIKeyDoc
	if err := s.apiKeys.FindOne(ctx, bson.M{"key_hash": keyHash}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("validate api key: %w", err)
	}
	if doc.RevokedAt != nil {
		return nil, nil, ErrNotFound
	}
	user, err := s.GetUserByID(ctx, doc.UserID)
	if err != nil {
		return nil, nil, err
	}
	return user, &APIKey{KeyHash: doc.KeyHash, UserID: doc.UserID, Label: doc.Label, CreatedAt: doc.CreatedAt, RevokedAt: doc.RevokedAt}, nil
}

type mongoUserDoc struct {
	ID          string    `bson:"id"`
	DisplayName string    `bson:"display_name"`
	Email       string    `bson:"email"`
	CreatedAt   time.Time `bson:"created_at"`
	LastLoginAt time.Time `bson:"last_login_at"`
}

func (s *MongoGatewayStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var doc mongoUserDoc
	if err := s.users.FindOne(ctx, bson.M{"id": id}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return &User{ID: doc.ID, DisplayName: doc.DisplayName, Email: doc.Email, CreatedAt: doc.CreatedAt, LastLoginAt: doc.LastLoginAt}, nil
}

type mongoWalletDoc struct {
	ID         string    `bson:"id"`
	UserID     string    `bson:"user_id"`
	Address    string    `bson:"address"`
	Blockchain string    `bson:"blockchain"`
	IsPrimary  bool      `bson:"is_primary"`
	IsActive   bool      `bson:"is_active"`
	LastUsedAt time.Time `bson:"last_used_at"`
}

func (s *MongoGatewayStore) GetUserWallets(ctx context.Context, userID string, activeOnly bool) ([]Wallet, error) {
	filter := bson.M{"user_id": userID}
	if activeOnly {
		filter["is_active"] = true
	}
	opts := options.Find().SetSort(bson.D{{Key: "is_primary", Value: -1}})
	cur, err := s.wallets.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("get user wallets: %w", err)
	}
	defer cur.Close(ctx)

	var wallets []Wallet
	for cur.Next(ctx) {
		var doc mongoWalletDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		wallets = append(wallets, Wallet{ID: doc.ID, UserID: doc.UserID, Address: doc.Address, Blockchain: doc.Blockchain, IsPrimary: doc.IsPrimary, IsActive: doc.IsActive, LastUsedAt: doc.LastUsedAt})
	}
	return wallets, cur.Err()
}

func (s *MongoGatewayStore) GetWalletByAddress(ctx context.Context, address string) (*Wallet, *User, error) {
	var doc mongoWalletDoc
	if err := s.wallets.FindOne(ctx, bson.M{"address": address}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("get wallet by address: %w", err)
	}
	user, err := s.GetUserByID(ctx, doc.UserID)
	if err != nil {
		return nil, nil, err
	}
	return &Wallet{ID: doc.ID, UserID: doc.UserID, Address: doc.Address, Blockchain: doc.Blockchain, IsPrimary: doc.IsPrimary, IsActive: doc.IsActive, LastUsedAt: doc.LastUsedAt}, user, nil
}

func (s *MongoGatewayStore) GetUserByWalletAddress(ctx context.Context, address string) (*User, error) {
	_, u, err := s.GetWalletByAddress(ctx, address)
	return u, err
}

func (s *MongoGatewayStore) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	if _, u, err := s.GetWalletByAddress(ctx, in.WalletAddress); err == nil {
		return u, nil
	}

	now := time.Now()
	userID := fmt.Sprintf("user_%d", now.UnixNano())
	if _, err := s.users.InsertOne(ctx, mongoUserDoc{ID: userID, DisplayName: in.DisplayName, CreatedAt: now, LastLoginAt: now}); err != nil {
		return nil, fmt.Errorf("insert gateway user: %w", err)
	}

	walletID := fmt.Sprintf("wallet_%d", now.UnixNano())
	if _, err := s.wallets.InsertOne(ctx, mongoWalletDoc{ID: walletID, UserID: userID, Address: in.WalletAddress, Blockchain: in.Blockchain, IsPrimary: true, IsActive: true, LastUsedAt: now}); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return s.GetUserByWalletAddress(ctx, in.WalletAddress)
		}
		return nil, fmt.Errorf("insert wallet: %w", err)
	}
	return s.GetUserByID(ctx, userID)
}

func (s *MongoGatewayStore) UpdateUserLastLogin(ctx context.Context, userID string) error {
	_, err := s.users.UpdateOne(ctx, bson.M{"id": userID}, bson.M{"$set": bson.M{"last_login_at": time.Now()}})
	return err
}

func (s *MongoGatewayStore) UpdateWalletMetadata(ctx context.Context, walletID string, lastUsedAt time.Time) error {
	_, err := s.wallets.UpdateOne(ctx, bson.M{"id": walletID}, bson.M{"$set": bson.M{"last_used_at": lastUsedAt}})
	return err
}

func (s *MongoGatewayStore) MigrateLegacyWallet(ctx context.Context, userID string) error {
	return nil
}

func (s *MongoGatewayStore) RecordToolUsage(ctx context.Context, in RecordToolUsageInput) error {
	_, err := s.usage.InsertOne(ctx, bson.M{
		"id":                fmt.Sprintf("usage_%d", time.Now().UnixNano()),
		"tool_id":           in.ToolID,
		"user_id":           in.UserID,
		"response_status":   in.ResponseStatus,
		"execution_time_ms": in.ExecutionTimeMs,
		"ip_address":        in.IPAddress,
		"user_agent":        in.UserAgent,
		"request_data":      in.RequestData,
		"result":            in.Result,
		"created_at":        time.Now(),
	})
	return err
}

func (s *MongoGatewayStore) CreatePayment(ctx context.Context, in CreatePaymentInput) (string, error) {
	id := fmt.Sprintf("pay_%d", time.Now().UnixNano())
	_, err := s.payments.InsertOne(ctx, bson.M{
		"id":               id,
		"tool_id":          in.ToolID,
		"user_id":          in.UserID,
		"amount_raw":       in.AmountRaw,
		"token_decimals":   in.TokenDecimals,
		"currency":         in.Currency,
		"network":          in.Network,
		"transaction_hash": in.TransactionHash,
		"status":           in.Status,
		"signature":        in.Signature,
		"payment_data":     in.PaymentData,
		"created_at":       time.Now(),
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *MongoGatewayStore) QueueCaptureRetry(ctx context.Context, in QueueCaptureRetryInput) error {
	_, err := s.captureRetries.InsertOne(ctx, bson.M{
		"id":                fmt.Sprintf("capret_%d", time.Now().UnixNano()),
		"tool_id":           in.ToolID,
		"user_id":           in.UserID,
		"payment_header":    in.PaymentHeader,
		"requirements_json": in.RequirementsJSON,
		"reason":            in.Reason,
		"created_at":        time.Now(),
	})
	return err
}
