package controllers

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/fractiverse/router/app/models"
	"github.com/fractiverse/router/internal/pkg/billing"
)

// ============================================================================
// BILLING CONTROLLER - token checkout and Stripe webhooks
// ============================================================================

type CheckoutCreator interface {
	CreateSession(ctx context.Context, userID, priceID string) (*billing.CheckoutSession, error)
}

type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*billing.WebhookOutcome, error)
	Balance(ctx context.Context, userID string) (*models.TokenBalance, error)
}

type SweepRunner interface {
	RunOnce(ctx context.Context) (billing.SweepResult, error)
}

// BillingController handles checkout, webhook and operator endpoints.
type BillingController struct {
	checkout CheckoutCreator
	webhooks WebhookProcessor
	sweeper  SweepRunner
	catalog  *billing.Catalog
	validate *validator.Validate
}

func NewBillingController(checkout CheckoutCreator, webhooks WebhookProcessor, sweeper SweepRunner, catalog *billing.Catalog) *BillingController {
	return &BillingController{
		checkout: checkout,
		webhooks: webhooks,
		sweeper:  sweeper,
		catalog:  catalog,
		validate: validator.New(),
	}
}

type createCheckoutSessionRequest struct {
	PriceID string `json:"priceId" validate:"required"`
	UserID  string `json:"userId" validate:"required"`
}

// HandleCreateCheckoutSession opens a Stripe checkout for a token pack.
func (bc *BillingController) HandleCreateCheckoutSession(c *fiber.Ctx) error {
	var req createCheckoutSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing required parameters"})
	}
	req.PriceID = strings.TrimSpace(req.PriceID)
	req.UserID = strings.TrimSpace(req.UserID)
	if err := bc.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing required parameters"})
	}

	session, err := bc.checkout.CreateSession(c.UserContext(), req.UserID, req.PriceID)
	switch {
	case errors.Is(err, billing.ErrMissingUserID):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing required parameters"})
	case errors.Is(err, billing.ErrInvalidPrice):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid price ID"})
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Error creating checkout session"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"sessionId": session.ID,
		"url":       session.URL,
	})
}

// HandleStripeWebhook verifies and processes a Stripe event. Any failure
// answers 400 so Stripe redelivers.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	payload := append([]byte(nil), c.Body()...)
	signature := c.Get("Stripe-Signature")

	out, err := bc.webhooks.HandleWebhook(c.UserContext(), payload, signature)
	if err != nil {
		code := billing.ErrorCode(err)
		if errors.Is(err, billing.ErrMissingSignature) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing stripe-signature header", "code": code})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Webhook handler failed", "code": code})
	}

	resp := fiber.Map{"received": true}
	if out.Duplicate {
		resp["duplicate"] = true
	}
	if out.Ignored {
		resp["ignored"] = true
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// HandleListPrices lists the purchasable token packs.
func (bc *BillingController) HandleListPrices(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(bc.catalog.Entries())
}

// HandleGetBalance returns the token balance of a user.
func (bc *BillingController) HandleGetBalance(c *fiber.Ctx) error {
	userID := strings.TrimSpace(c.Params("userId"))
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing user id"})
	}

	bal, err := bc.webhooks.Balance(c.UserContext(), userID)
	if err != nil {
		log.Errorf("[BillingController] Balance lookup for %s failed: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Balance lookup failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"userId":  bal.UserID,
		"balance": bal.Balance,
	})
}

// HandleReconcile runs one sweeper pass on demand.
func (bc *BillingController) HandleReconcile(c *fiber.Ctx) error {
	res, err := bc.sweeper.RunOnce(c.UserContext())
	if err != nil {
		log.Errorf("[BillingController] Manual reconcile failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "Reconcile failed",
			"applied": res.Applied,
			"failed":  res.Failed,
		})
	}
	return c.Status(fiber.StatusOK).JSON(res)
}
