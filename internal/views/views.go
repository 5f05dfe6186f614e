// Package views implements the bytes-transfer modal handler: validates the
// amount/reason a user typed into the "Send Bytes" modal, runs the transfer,
// and renders the result as a success/error/cooldown embed. Grounded in
// full on original_source/smarter_dev/bot/views/bytes_views.py
// (create_send_bytes_modal, SendBytesModalHandler.handle_submit).
package views

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/smarter-dev/smarterbot/internal/bytes"
	"github.com/smarter-dev/smarterbot/internal/discordrest"
	"github.com/smarter-dev/smarterbot/internal/errs"
)

// ImageEmbedGenerator renders a transfer outcome as a Discord attachment.
// Constructor-injected rather than a package-level singleton, per spec §9
// (the original's module-level get_generator() is the thing being
// redesigned away).
type ImageEmbedGenerator interface {
	CreateErrorEmbed(message string) *discordrest.Attachment
	CreateSuccessEmbed(title, description string) *discordrest.Attachment
	CreateCooldownEmbed(reason string, cooldownEndUnix *int64) *discordrest.Attachment
}

// ModalField is one of the two text inputs the send-bytes modal submits.
type ModalField struct {
	CustomID string
	Value    string
}

// SendBytesModal builds the two-field "Send Bytes" modal definition
// (amount, optional reason), mirroring create_send_bytes_modal.
type SendBytesModal struct {
	Title      string
	CustomID   string
	AmountHint string
}

// NewSendBytesModal builds the modal shown for sending bytes to recipientID,
// capped at maxTransfer per guild configuration.
func NewSendBytesModal(recipientName, recipientID string, maxTransfer int) SendBytesModal {
	return SendBytesModal{
		Title:      fmt.Sprintf("Send Bytes to %s", recipientName),
		CustomID:   "send_bytes_modal:" + recipientID,
		AmountHint: fmt.Sprintf("Enter amount (1-%s)", formatThousands(maxTransfer)),
	}
}

// TransferModalHandler processes a submitted send-bytes modal: validates the
// amount, runs the transfer through BytesService, and replies to the
// interaction with the rendered embed.
type TransferModalHandler struct {
	Recipient       bytes.User
	GuildID         string
	Giver           bytes.User
	MaxTransfer     int
	BytesService    *bytes.Service
	Generator       ImageEmbedGenerator
	Discord         *discordrest.Client
	ApplicationID   string
	TargetMessageID string // set only for the context-menu "reply to message" path
	Log             zerolog.Logger
}

// HandleSubmit validates the modal fields, runs the transfer, and replies to
// the interaction with the appropriate embed — public on success (reply-to-
// message for the context-menu path, regular response otherwise), ephemeral
// on any failure.
func (h *TransferModalHandler) HandleSubmit(ctx context.Context, interactionID, interactionToken, channelID string, fields []ModalField) error {
	amountStr, reason := extractFields(fields)

	if amountStr == "" {
		return h.respondError(ctx, interactionID, interactionToken, "Amount is required.")
	}

	amount, err := strconv.Atoi(strings.TrimSpace(amountStr))
	if err != nil {
		return h.respondError(ctx, interactionID, interactionToken, "Amount must be a valid number.")
	}
	if amount < 1 {
		return h.respondError(ctx, interactionID, interactionToken, "Amount must be at least 1 byte.")
	}
	if amount > h.MaxTransfer {
		return h.respondError(ctx, interactionID, interactionToken,
			fmt.Sprintf("Amount cannot exceed %s bytes (server limit).", formatThousands(h.MaxTransfer)))
	}

	h.Log.Info().Str("giver", h.Giver.ID()).Str("recipient", h.Recipient.ID()).Int("amount", amount).Msg("processing bytes transfer")

	result, err := h.BytesService.TransferBytes(ctx, h.GuildID, h.Giver, h.Recipient, amount, reason)
	if err != nil {
		return h.respondToError(ctx, interactionID, interactionToken, err)
	}

	var att *discordrest.Attachment
	if result.Success {
		description := fmt.Sprintf("%s sent %s bytes to %s", h.Giver.DisplayName(), formatThousands(amount), h.Recipient.DisplayName())
		if reason != "" {
			description += "\n\n" + reason
		}
		att = h.Generator.CreateSuccessEmbed("BYTES SENT", description)
	} else if result.IsCooldownError {
		att = h.Generator.CreateCooldownEmbed(result.Reason, result.CooldownEndTimestamp)
	} else {
		att = h.Generator.CreateErrorEmbed(result.Reason)
	}

	if result.Success {
		return h.respondSuccess(ctx, interactionID, interactionToken, channelID, att)
	}
	return h.respond(ctx, interactionID, interactionToken, &discordrest.InteractionResponse{Attachment: att, Ephemeral: true})
}

// respondSuccess replies publicly. For the context-menu path (a
// TargetMessageID is set) it defers, posts its own reply message, then
// deletes the deferred placeholder — the original's
// "defer then create_message then delete_initial_response" dance, needed
// because a context-menu interaction can't directly reply-to a message via
// its own initial response.
func (h *TransferModalHandler) respondSuccess(ctx context.Context, interactionID, interactionToken, channelID string, att *discordrest.Attachment) error {
	if h.TargetMessageID == "" {
		return h.respond(ctx, interactionID, interactionToken, &discordrest.InteractionResponse{Attachment: att})
	}

	if err := h.Discord.CreateInteractionResponse(ctx, interactionID, interactionToken, discordrest.ResponseDeferredChannelMessageWithSource, nil); err != nil {
		return err
	}
	if _, err := h.Discord.CreateFollowupMessage(ctx, channelID, &discordrest.InteractionResponse{Attachment: att}, h.TargetMessageID); err != nil {
		return err
	}
	return h.Discord.DeleteOriginalResponse(ctx, interactionToken, h.ApplicationID)
}

func (h *TransferModalHandler) respondToError(ctx context.Context, interactionID, interactionToken string, err error) error {
	switch e := err.(type) {
	case *errs.InsufficientBalanceError:
		h.Log.Info().Err(err).Msg("insufficient balance for transfer")
		return h.respondError(ctx, interactionID, interactionToken, e.Error())
	case *errs.ValidationError:
		h.Log.Info().Err(err).Msg("validation error in transfer")
		return h.respondError(ctx, interactionID, interactionToken, e.Error())
	case *errs.ServiceError:
		h.Log.Error().Err(err).Msg("service error in transfer")
		return h.respondError(ctx, interactionID, interactionToken, "Transfer failed. Please try again later.")
	default:
		h.Log.Error().Err(err).Msg("unexpected error in bytes transfer modal")
		return h.respondError(ctx, interactionID, interactionToken, "An unexpected error occurred. Please try again later.")
	}
}

func (h *TransferModalHandler) respondError(ctx context.Context, interactionID, interactionToken, message string) error {
	att := h.Generator.CreateErrorEmbed(message)
	return h.respond(ctx, interactionID, interactionToken, &discordrest.InteractionResponse{Attachment: att, Ephemeral: true})
}

func (h *TransferModalHandler) respond(ctx context.Context, interactionID, interactionToken string, resp *discordrest.InteractionResponse) error {
	return h.Discord.CreateInteractionResponse(ctx, interactionID, interactionToken, discordrest.ResponseChannelMessageWithSource, resp)
}

func extractFields(fields []ModalField) (amount, reason string) {
	for _, f := range fields {
		switch f.CustomID {
		case "amount":
			amount = f.Value
		case "reason":
			reason = f.Value
		}
	}
	return amount, reason
}

func formatThousands(n int) string {
	s := strconv.Itoa(n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
