package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/BTreeMap/CoachPipe/internal/auth"
	"github.com/BTreeMap/CoachPipe/internal/billing"
	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/gin-gonic/gin"
)

// maxWebhookBody bounds the webhook payload size read into memory.
const maxWebhookBody = 1 << 20

// CallWebhookSecretHeader carries the voice gateway's shared secret.
const CallWebhookSecretHeader = "x-vapi-secret"

func readBody(c *gin.Context) ([]byte, error) {
	return io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
}

// whatsappVerifyHandler answers the Cloud API subscription handshake.
func (s *Server) whatsappVerifyHandler(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	if mode != "subscribe" || !auth.SecretsEqual(token, s.opts.VerifyToken) {
		loggerFrom(c.Request.Context()).Warn("Server.whatsappVerifyHandler: verification rejected", "mode", mode)
		c.String(http.StatusForbidden, "forbidden")
		return
	}
	c.String(http.StatusOK, c.Query("hub.challenge"))
}

// whatsappWebhookHandler routes each inbound text message to the inbound
// handler. A 500 makes the provider redeliver, which the dedup guard absorbs.
func (s *Server) whatsappWebhookHandler(c *gin.Context) {
	log := loggerFrom(c.Request.Context())
	body, err := readBody(c)
	if err != nil {
		writeJSONResponse(c.Writer, http.StatusBadRequest, models.Error("Unreadable body"))
		return
	}
	payload, err := messaging.ParseWebhook(body)
	if err != nil {
		log.Warn("Server.whatsappWebhookHandler: invalid payload", "error", err)
		writeJSONResponse(c.Writer, http.StatusBadRequest, models.Error("Invalid payload"))
		return
	}
	if payload.StatusOnly() {
		writeJSONResponse(c.Writer, http.StatusOK, models.Ignored("status update"))
		return
	}

	messages := payload.TextMessages()
	if len(messages) == 0 {
		writeJSONResponse(c.Writer, http.StatusOK, models.Ignored("no text messages"))
		return
	}
	results := make([]*flow.InboundResult, 0, len(messages))
	for _, in := range messages {
		res, err := s.deps.Inbound.Handle(c.Request.Context(), flow.InboundMessage{
			SenderPhone:       in.From,
			MessageText:       in.Text,
			ExternalMessageID: in.ID,
		})
		if err != nil {
			log.Error("Server.whatsappWebhookHandler: inbound handling failed", "error", err, "messageID", in.ID)
			writeJSONResponse(c.Writer, http.StatusInternalServerError, models.Error("Failed to process message"))
			return
		}
		results = append(results, res)
	}
	writeJSONResponse(c.Writer, http.StatusOK, models.Success(results))
}

// callWebhookHandler accepts voice gateway server messages.
func (s *Server) callWebhookHandler(c *gin.Context) {
	log := loggerFrom(c.Request.Context())
	if !auth.SecretsEqual(c.GetHeader(CallWebhookSecretHeader), s.opts.CallWebhookSecret) {
		log.Warn("Server.callWebhookHandler: invalid webhook secret")
		writeJSONResponse(c.Writer, http.StatusUnauthorized, callWebhookResponse{Error: "unauthorized"})
		return
	}
	body, err := readBody(c)
	if err != nil {
		writeJSONResponse(c.Writer, http.StatusBadRequest, callWebhookResponse{Error: "unreadable body"})
		return
	}

	typ, report, err := flow.ParseCallWebhook(body)
	if err != nil {
		log.Warn("Server.callWebhookHandler: invalid payload", "error", err)
		writeJSONResponse(c.Writer, http.StatusBadRequest, callWebhookResponse{Error: err.Error()})
		return
	}
	if report == nil {
		log.Debug("Server.callWebhookHandler: ignoring message", "type", typ)
		writeJSONResponse(c.Writer, http.StatusOK, callWebhookResponse{Success: true, Ignored: true})
		return
	}

	res, err := s.deps.EndOfCall.Handle(c.Request.Context(), report)
	switch {
	case errors.Is(err, flow.ErrInvalidReport):
		writeJSONResponse(c.Writer, http.StatusBadRequest, callWebhookResponse{Error: err.Error()})
	case errors.Is(err, flow.ErrCallLogNotFound):
		writeJSONResponse(c.Writer, http.StatusNotFound, callWebhookResponse{Error: "call log not found"})
	case err != nil:
		log.Error("Server.callWebhookHandler: failed to store report", "error", err, "callID", report.CallID)
		writeJSONResponse(c.Writer, http.StatusInternalServerError, callWebhookResponse{Error: "internal error"})
	default:
		writeJSONResponse(c.Writer, http.StatusOK, callWebhookResponse{Success: true, CallLogID: res.CallLogID, Status: res.Status})
	}
}

// stripeWebhookHandler verifies and applies subscription lifecycle events.
func (s *Server) stripeWebhookHandler(c *gin.Context) {
	log := loggerFrom(c.Request.Context())
	if s.deps.Billing == nil {
		writeJSONResponse(c.Writer, http.StatusServiceUnavailable, models.Error("Billing is not configured"))
		return
	}
	body, err := readBody(c)
	if err != nil {
		writeJSONResponse(c.Writer, http.StatusBadRequest, models.Error("Unreadable body"))
		return
	}

	res, err := s.deps.Billing.HandleWebhook(c.Request.Context(), body, c.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, billing.ErrInvalidSignature), errors.Is(err, billing.ErrInvalidPayload):
		log.Warn("Server.stripeWebhookHandler: rejected event", "error", err)
		writeJSONResponse(c.Writer, http.StatusBadRequest, models.Error("Invalid event"))
	case err != nil:
		log.Error("Server.stripeWebhookHandler: failed to apply event", "error", err)
		writeJSONResponse(c.Writer, http.StatusInternalServerError, models.Error("Failed to process event"))
	case res.Ignored:
		writeJSONResponse(c.Writer, http.StatusOK, ignoredEvent(res))
	default:
		writeJSONResponse(c.Writer, http.StatusOK, models.Success(res))
	}
}

// ignoredEvent acknowledges a billing event that changed nothing.
func ignoredEvent(res *billing.Result) models.APIResponse {
	r := models.Ignored(res.EventType)
	r.Result = res
	return r
}
