package api

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/juju/errors"
)

// sender is the part of the Telegram API the bot writes with
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramBot handles interactions with the Telegram API and alerts the
// operator chat
type TelegramBot struct {
	bot    *tgbotapi.BotAPI
	sender sender
	garden GardenService
	chatID int64
}

// NewTelegramBot creates a new Telegram bot handler. Alerts go to chatID when
// it is set.
func NewTelegramBot(botToken string, chatID int64) (*TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, errors.Annotate(err, "failed to create bot")
	}

	return &TelegramBot{
		bot:    bot,
		sender: bot,
		chatID: chatID,
	}, nil
}

// Start begins listening for and answering Telegram messages with the garden
// operations until ctx is done
func (t *TelegramBot) Start(ctx context.Context, garden GardenService) {
	t.garden = garden
	logger.Infof("authorized on Telegram account %s", t.bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := t.bot.GetUpdatesChan(u)
	logger.Infof("bot is now listening for messages...")

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.From == nil {
				continue
			}

			// Log incoming messages
			logger.Debugf("received message from %s (ID: %d): %s",
				update.Message.From.UserName,
				update.Message.From.ID,
				update.Message.Text)

			t.handleMessage(ctx, update.Message)
		}
	}
}

// Notify sends an alert to the operator chat
func (t *TelegramBot) Notify(text string) {
	if t.chatID == 0 {
		logger.Debugf("no operator chat configured, alert dropped: %s", text)
		return
	}
	if _, err := t.sender.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		logger.Warningf("error sending alert: %v", err)
	}
}

// handleMessage answers a Telegram message
func (t *TelegramBot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	msg := tgbotapi.NewMessage(message.Chat.ID, "")

	if message.IsCommand() {
		t.handleCommand(ctx, message, &msg)
	} else {
		msg.Text = "I don't understand. Use /help to see available commands."
	}

	if _, err := t.sender.Send(msg); err != nil {
		logger.Warningf("error sending message: %v", err)
	}
}

// handleCommand processes commands like /start, /help, etc.
func (t *TelegramBot) handleCommand(ctx context.Context, message *tgbotapi.Message, msg *tgbotapi.MessageConfig) {
	user := ""
	if message.From != nil {
		user = message.From.UserName
	}

	switch message.Command() {
	case "start":
		logger.Debugf("handling /start command for user %s", user)
		msg.Text = "Welcome to the Garden Bot! Use /status to see your plants or /help for more information."

	case "help":
		logger.Debugf("handling /help command for user %s", user)
		msg.Text = "Available commands:\n" +
			"/start - Start the bot\n" +
			"/status - Show the last detection and watering of every plant\n" +
			"/water [plant_id] [ml] - Water a plant now\n" +
			"/help - Show this help message"

	case "status":
		logger.Debugf("handling /status command for user %s", user)
		t.handleStatusCommand(ctx, msg)

	case "water":
		args := message.CommandArguments()
		logger.Debugf("handling /water command with args '%s' for user %s", args, user)
		t.handleWaterCommand(ctx, args, msg)

	default:
		logger.Debugf("received unknown command /%s from user %s", message.Command(), user)
		msg.Text = "Unknown command. Use /help to see available commands."
	}
}

// handleStatusCommand processes the /status command
func (t *TelegramBot) handleStatusCommand(ctx context.Context, msg *tgbotapi.MessageConfig) {
	recap, err := t.garden.GetRecap(ctx)
	if err != nil {
		msg.Text = "Error fetching plant data. Please try again later."
		logger.Errorf("error fetching plant data: %v", err)
		return
	}
	msg.Text = t.garden.FormatRecap(recap)
}

// handleWaterCommand processes the /water [plant_id] [ml] command
func (t *TelegramBot) handleWaterCommand(ctx context.Context, args string, msg *tgbotapi.MessageConfig) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		msg.Text = "Please specify a plant and a quantity. Example: /water 3 150"
		return
	}
	plantID, errID := strconv.ParseInt(fields[0], 10, 64)
	quantity, errQty := strconv.ParseInt(fields[1], 10, 64)
	if errID != nil || errQty != nil {
		msg.Text = "Plant and quantity must be numbers. Example: /water 3 150"
		return
	}

	wateringID, err := t.garden.AddWater(ctx, plantID, quantity)
	switch {
	case errors.Is(err, errors.NotFound):
		msg.Text = fmt.Sprintf("No plant #%d. Use /status to see the available plants.", plantID)
	case errors.Is(err, errors.NotValid):
		msg.Text = "Plant and quantity must be positive numbers."
	case err != nil && wateringID != 0:
		msg.Text = fmt.Sprintf("Watering #%d registered but not sent: %v", wateringID, err)
	case err != nil:
		msg.Text = "Error requesting the watering. Please try again later."
		logger.Errorf("error requesting watering: %v", err)
	default:
		msg.Text = fmt.Sprintf("🚿 Watering #%d of %dml sent to plant #%d", wateringID, quantity, plantID)
	}
}
