package web

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/castboard/spotlight/spotlight/database/repositories"
	"github.com/castboard/spotlight/spotlight/engine"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrAmountTooLow),
		errors.Is(err, engine.ErrAmountTooHigh),
		errors.Is(err, engine.ErrInvalidContentRef),
		errors.Is(err, engine.ErrInvalidContributor),
		errors.Is(err, engine.ErrPaymentRejected):
		return fiber.StatusBadRequest
	case errors.Is(err, repositories.ErrInsufficientBalance):
		return fiber.StatusPaymentRequired
	case errors.Is(err, repositories.ErrNotFound),
		errors.Is(err, engine.ErrNoPendingRefunds):
		return fiber.StatusNotFound
	case errors.Is(err, repositories.ErrAuctionClosed),
		errors.Is(err, repositories.ErrDuplicatePaymentProof),
		errors.Is(err, repositories.ErrRefundNotEligible):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	message := err.Error()
	if status == fiber.StatusInternalServerError {
		message = "internal server error"
	}
	return c.Status(status).JSON(fiber.Map{"error": message})
}

func healthCheck(app *App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := app.DB.Ping(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": app.Version,
		})
	}
}

type contributeBody struct {
	ContentHash   string `json:"content_hash"`
	ContentURL    string `json:"content_url"`
	ContentText   string `json:"content_text"`
	AuthorID      string `json:"author_id"`
	AuthorName    string `json:"author_name"`
	AuthorAvatar  string `json:"author_avatar"`
	ContributorID string `json:"contributor_id"`
	Amount        int64  `json:"amount"`
	PaymentProof  string `json:"payment_proof"`
}

func contribute(app *App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body contributeBody
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}

		result, err := app.Engine.Contribute(c.Context(), engine.ContributeRequest{
			ContentHash:   body.ContentHash,
			ContentURL:    body.ContentURL,
			ContentText:   body.ContentText,
			AuthorID:      body.AuthorID,
			AuthorName:    body.AuthorName,
			AuthorAvatar:  body.AuthorAvatar,
			ContributorID: body.ContributorID,
			Amount:        body.Amount,
			PaymentProof:  body.PaymentProof,
		})
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(result)
	}
}

func listAuctions(app *App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		auctions, err := app.Engine.ListOpenAuctionsRanked(c.Context())
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"auctions": auctions})
	}
}

func openAuction(app *App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		auction, err := app.Engine.GetOpenAuction(c.Context(), c.Query("content_hash"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(auction)
	}
}

func featuredSlots(app *App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		slots, err := app.Engine.GetFeaturedSlots(c.Context())
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"slots": slots})
	}
}

func pendingRefunds(app *App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		contributions, err := app.Engine.PendingRefunds(c.Context(), c.Query("contributor_id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"pending": contributions})
	}
}

type claimBody struct {
	ContributorID string `json:"contributor_id"`
}

func claimRefunds(app *App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body claimBody
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}

		claim, err := app.Engine.RequestRefund(c.Context(), body.ContributorID)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(claim)
	}
}

func ledgerSummary(app *App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		account, transactions, err := app.Engine.GetLedger(c.Context(), c.Params("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{
			"account":      account,
			"transactions": transactions,
		})
	}
}

func runTick(app *App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		summary, err := app.Engine.RunLifecycleTick(c.Context())
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(summary)
	}
}

func runMaintenance(app *App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		report, err := app.Engine.RunMaintenance(c.Context())
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(report)
	}
}

type processRefundBody struct {
	PayoutRef string `json:"payout_ref"`
}

func processRefund(app *App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := strconv.ParseInt(c.Params("id"), 10, 64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid contribution id"})
		}

		var body processRefundBody
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}

		processed, err := app.Engine.ProcessOperatorRefund(c.Context(), id, body.PayoutRef)
		if err != nil {
			return fail(c, err)
		}
		if !processed {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "contribution is not awaiting operator payout",
			})
		}
		return c.JSON(fiber.Map{"processed": true})
	}
}

type creditBody struct {
	ContributorID string `json:"contributor_id"`
	Amount        int64  `json:"amount"`
	Reference     string `json:"reference"`
}

func adminCredit(app *App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body creditBody
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}

		if err := app.Engine.AdminCredit(c.Context(), body.ContributorID, body.Amount, body.Reference); err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"credited": body.Amount})
	}
}

// adminStats reports live row counts per auction status straight from the
// pgx pool.
func adminStats(app *App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rows, err := app.DB.QueryWithLog(c.Context(),
			`SELECT status, COUNT(*) FROM auctions GROUP BY status`)
		if err != nil {
			return fail(c, err)
		}
		defer rows.Close()

		stats := make(map[string]int64)
		for rows.Next() {
			var status string
			var count int64
			if err := rows.Scan(&status, &count); err != nil {
				return fail(c, err)
			}
			stats[status] = count
		}
		return c.JSON(fiber.Map{"auctions": stats})
	}
}
