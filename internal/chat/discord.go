package chat

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// DiscordClient maps Discord onto the group/private model: a guild text
// channel is a group (its snowflake is the group id) and a DM is private.
type DiscordClient struct {
	session *discordgo.Session
	logger  zerolog.Logger
}

func NewDiscordClient(token string, logger zerolog.Logger) (*DiscordClient, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &DiscordClient{
		session: s,
		logger:  logger.With().Str("component", "discord").Logger(),
	}, nil
}

func (c *DiscordClient) Run(ctx context.Context, h Handler) error {
	remove := c.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		msg := convertDiscordMessage(m.Message)
		if s.State != nil && s.State.User != nil {
			msg.SelfID, _ = strconv.ParseInt(s.State.User.ID, 10, 64)
		}
		h(ctx, msg)
	})
	defer remove()

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	c.logger.Info().Str("user", c.session.State.User.Username).Msg("logged in")

	<-ctx.Done()
	return nil
}

func convertDiscordMessage(m *discordgo.Message) *Message {
	msg := &Message{Kind: KindPrivate, ChannelID: m.ChannelID}
	if m.GuildID != "" {
		msg.Kind = KindGroup
		msg.GroupID, _ = strconv.ParseInt(m.ChannelID, 10, 64)
	}
	if m.Author != nil {
		msg.UserID, _ = strconv.ParseInt(m.Author.ID, 10, 64)
	}

	if m.Content != "" {
		msg.Segments = append(msg.Segments, TextSegment(m.Content))
	}
	for _, e := range m.Embeds {
		if e == nil || e.URL == "" {
			continue
		}
		msg.Segments = append(msg.Segments, Segment{
			Type: SegmentShare,
			Data: map[string]any{"url": e.URL, "title": e.Title},
		})
	}
	return msg
}

func (c *DiscordClient) SendText(ctx context.Context, msg *Message, text string) error {
	channelID := msg.ChannelID
	if channelID == "" && msg.Kind == KindGroup {
		channelID = strconv.FormatInt(msg.GroupID, 10)
	}
	if channelID == "" {
		return fmt.Errorf("discord: no channel to reply to")
	}
	_, err := c.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	return err
}

func (c *DiscordClient) SendGroupVideo(ctx context.Context, groupID int64, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = c.session.ChannelMessageSendComplex(strconv.FormatInt(groupID, 10), &discordgo.MessageSend{
		Content: caption,
		Files: []*discordgo.File{{
			Name:        filepath.Base(path),
			ContentType: videoContentType(path),
			Reader:      f,
		}},
	}, discordgo.WithContext(ctx))
	return err
}

// Go's built-in MIME table has no video types, so the common containers are
// listed here for hosts without /etc/mime.types.
var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".flv":  "video/x-flv",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
}

func videoContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := videoTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func (c *DiscordClient) Close() error {
	return c.session.Close()
}
