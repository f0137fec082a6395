package bot

import (
	"fmt"
	"strings"

	"github.com/kellerkompanie/kellerkompanie-ts3bot/internal/ts3"
	"github.com/kellerkompanie/kellerkompanie-ts3bot/pkg/models"
)

// handleTextMessage reacts to chat commands. Only messages from known
// clients other than the bot itself are considered.
func (b *Bot) handleTextMessage(event ts3.TextMessageEvent) {
	sender, ok := b.getClient(event.InvokerID)
	if !ok {
		b.logger.WithField("invoker_id", event.InvokerID).Debug("Message from unknown client")
		return
	}
	if sender.ClientID == b.selfID {
		return
	}

	switch {
	case strings.HasPrefix(event.Message, "!hi"):
		b.reply(sender, fmt.Sprintf("Hallo %s!", sender.ClientName))

	case strings.HasPrefix(event.Message, "!edit"):
		b.reply(sender, "OK! Und los...")

	case strings.HasPrefix(event.Message, "!link"):
		b.handleLinkCommand(sender)
	}
}

// handleLinkCommand reports the current link state and hands out a
// fresh authkey link.
func (b *Bot) handleLinkCommand(sender models.Client) {
	userID, linked, err := b.store.UserID(sender.ClientUID)
	if err != nil {
		b.logger.WithError(err).Warn("Failed to look up account link")
		return
	}

	b.reply(sender, fmt.Sprintf("has_user_id: %t", linked))
	if linked {
		b.reply(sender, fmt.Sprintf("user_id: %d", userID))
	} else {
		b.reply(sender, "user_id: none")
	}

	if err := b.sendLinkAccountMessage(sender); err != nil {
		b.logger.WithError(err).Warn("Failed to send link account message")
	}
}

func (b *Bot) reply(client models.Client, message string) {
	if err := b.session.SendTextMessage(ts3.TargetModePrivate, client.ClientID, message); err != nil {
		b.logger.WithError(err).WithField("client", client.String()).Warn("Failed to send reply")
	}
}
