package migration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/castboard/spotlight/spotlight/database/models"
	"github.com/uptrace/bun"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

const batchSize = 500

// Migrator copies the legacy document-store data into Postgres: profiles
// become ledger accounts, castAuctions become auctions and castAuctionBids
// become contributions.
type Migrator struct {
	db     *bun.DB
	client *mongo.Client
	dbName string
}

func NewMigrator(db *bun.DB, mongoURI, dbName string) (*Migrator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to legacy store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping legacy store: %w", err)
	}

	return &Migrator{db: db, client: client, dbName: dbName}, nil
}

func (m *Migrator) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

type legacyAuction struct {
	ID             primitive.ObjectID `bson:"_id"`
	CastHash       string             `bson:"castHash"`
	CastURL        string             `bson:"castUrl"`
	CastText       string             `bson:"castText"`
	AuthorFid      int64              `bson:"authorFid"`
	AuthorUsername string             `bson:"authorUsername"`
	AuthorPfp      string             `bson:"authorPfp"`
	CurrentBid     int64              `bson:"currentBid"`
	BidderAddress  string             `bson:"bidderAddress"`
	Status         string             `bson:"status"`
	AuctionEndsAt  int64              `bson:"auctionEndsAt"`
	FeatureStarts  int64              `bson:"featureStartsAt"`
	FeatureEnds    int64              `bson:"featureEndsAt"`
	CreatedAt      int64              `bson:"createdAt"`
}

type legacyBid struct {
	AuctionID     primitive.ObjectID `bson:"auctionId"`
	BidderAddress string             `bson:"bidderAddress"`
	BidAmount     int64              `bson:"bidAmount"`
	Status        string             `bson:"status"`
	TxHash        string             `bson:"txHash"`
	RefundAmount  int64              `bson:"refundAmount"`
	RefundedAt    int64              `bson:"refundedAt"`
	CreatedAt     int64              `bson:"createdAt"`
}

type legacyProfile struct {
	Address       string `bson:"address"`
	Coins         int64  `bson:"coins"`
	LifetimeSpent int64  `bson:"lifetimeSpent"`
}

// MigrateAll runs the full legacy import. Accounts and auctions are
// independent; contributions need the auction id mapping.
func (m *Migrator) MigrateAll(ctx context.Context) error {
	start := time.Now()

	var auctionIDs map[string]int64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.migrateProfiles(gctx)
	})
	g.Go(func() error {
		ids, err := m.migrateAuctions(gctx)
		auctionIDs = ids
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := m.migrateBids(ctx, auctionIDs); err != nil {
		return err
	}

	slog.Info("Legacy migration finished",
		slog.String("type", "db"),
		slog.Duration("took", time.Since(start)))
	return nil
}

func (m *Migrator) migrateProfiles(ctx context.Context) error {
	cursor, err := m.client.Database(m.dbName).Collection("profiles").Find(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("failed to read legacy profiles: %w", err)
	}
	defer cursor.Close(ctx)

	var batch []*models.LedgerAccount
	var total int
	for cursor.Next(ctx) {
		var p legacyProfile
		if err := cursor.Decode(&p); err != nil {
			return fmt.Errorf("failed to decode legacy profile: %w", err)
		}
		if p.Address == "" {
			continue
		}

		batch = append(batch, &models.LedgerAccount{
			ContributorID: p.Address,
			Balance:       p.Coins,
			LifetimeSpent: p.LifetimeSpent,
			CreatedAt:     time.Now(),
			UpdatedAt:     time.Now(),
		})
		if len(batch) >= batchSize {
			if err := m.insertAccounts(ctx, batch); err != nil {
				return err
			}
			total += len(batch)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := m.insertAccounts(ctx, batch); err != nil {
			return err
		}
		total += len(batch)
	}

	slog.Info("Profiles migrated", slog.String("type", "db"), slog.Int("count", total))
	return cursor.Err()
}

func (m *Migrator) insertAccounts(ctx context.Context, batch []*models.LedgerAccount) error {
	_, err := m.db.NewInsert().
		Model(&batch).
		On("CONFLICT (contributor_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert ledger accounts: %w", err)
	}
	return nil
}

func (m *Migrator) migrateAuctions(ctx context.Context) (map[string]int64, error) {
	cursor, err := m.client.Database(m.dbName).Collection("castAuctions").Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy auctions: %w", err)
	}
	defer cursor.Close(ctx)

	ids := make(map[string]int64)
	var total int
	for cursor.Next(ctx) {
		var la legacyAuction
		if err := cursor.Decode(&la); err != nil {
			return nil, fmt.Errorf("failed to decode legacy auction: %w", err)
		}

		auction := &models.Auction{
			ContentHash:       la.CastHash,
			ContentURL:        la.CastURL,
			ContentText:       la.CastText,
			AuthorID:          fmt.Sprintf("%d", la.AuthorFid),
			AuthorName:        la.AuthorUsername,
			AuthorAvatar:      la.AuthorPfp,
			PoolTotal:         la.CurrentBid,
			LastContributorID: la.BidderAddress,
			Status:            mapAuctionStatus(la.Status),
			WindowStartedAt:   msToTime(la.CreatedAt),
			WindowEndsAt:      msToTime(la.AuctionEndsAt),
			CreatedAt:         msToTime(la.CreatedAt),
			UpdatedAt:         time.Now(),
		}
		if la.FeatureStarts > 0 {
			auction.FeatureStarts = msToTime(la.FeatureStarts)
		}
		if la.FeatureEnds > 0 {
			auction.FeatureEnds = msToTime(la.FeatureEnds)
		}
		if auction.Status == models.AuctionStatusActive || auction.Status == models.AuctionStatusCompleted {
			auction.WinnerID = la.BidderAddress
			auction.WinningAmount = la.CurrentBid
		}

		if _, err := m.db.NewInsert().Model(auction).Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to insert auction: %w", err)
		}
		ids[la.ID.Hex()] = auction.ID
		total++
	}

	slog.Info("Auctions migrated", slog.String("type", "db"), slog.Int("count", total))
	return ids, cursor.Err()
}

func (m *Migrator) migrateBids(ctx context.Context, auctionIDs map[string]int64) error {
	cursor, err := m.client.Database(m.dbName).Collection("castAuctionBids").Find(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("failed to read legacy bids: %w", err)
	}
	defer cursor.Close(ctx)

	var batch []*models.Contribution
	var total, skipped int
	for cursor.Next(ctx) {
		var lb legacyBid
		if err := cursor.Decode(&lb); err != nil {
			return fmt.Errorf("failed to decode legacy bid: %w", err)
		}

		auctionID, ok := auctionIDs[lb.AuctionID.Hex()]
		if !ok {
			skipped++
			continue
		}

		contribution := &models.Contribution{
			AuctionID:     auctionID,
			ContributorID: lb.BidderAddress,
			Amount:        lb.BidAmount,
			Status:        mapBidStatus(lb.Status),
			PaymentProof:  lb.TxHash,
			RefundAmount:  lb.RefundAmount,
			CreatedAt:     msToTime(lb.CreatedAt),
			UpdatedAt:     time.Now(),
		}
		if lb.RefundedAt > 0 {
			contribution.RefundedAt = msToTime(lb.RefundedAt)
		}

		batch = append(batch, contribution)
		if len(batch) >= batchSize {
			if err := m.insertContributions(ctx, batch); err != nil {
				return err
			}
			total += len(batch)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := m.insertContributions(ctx, batch); err != nil {
			return err
		}
		total += len(batch)
	}

	slog.Info("Bids migrated",
		slog.String("type", "db"),
		slog.Int("count", total),
		slog.Int("skipped", skipped))
	return cursor.Err()
}

func (m *Migrator) insertContributions(ctx context.Context, batch []*models.Contribution) error {
	_, err := m.db.NewInsert().Model(&batch).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert contributions: %w", err)
	}
	return nil
}

func mapAuctionStatus(status string) models.AuctionStatus {
	switch status {
	case "bidding":
		return models.AuctionStatusBidding
	case "pending_feature":
		return models.AuctionStatusPendingFeature
	case "active":
		return models.AuctionStatusActive
	default:
		return models.AuctionStatusCompleted
	}
}

func mapBidStatus(status string) models.ContributionStatus {
	switch status {
	case "active":
		return models.ContributionStatusActive
	case "won":
		return models.ContributionStatusWon
	case "lost":
		return models.ContributionStatusLost
	case "pending_refund":
		return models.ContributionStatusPendingRefund
	case "refund_requested":
		return models.ContributionStatusRefundRequested
	default:
		// Legacy outbid and refunded rows are both settled
		return models.ContributionStatusRefunded
	}
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
