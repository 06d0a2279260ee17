package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// messageCreator is satisfied by *twilioApi.ApiService.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioSMS sends SMS through the Twilio REST API.
type TwilioSMS struct {
	api    messageCreator
	from   string
	logger zerolog.Logger
}

// NewTwilioSMS builds a sender from account credentials.
func NewTwilioSMS(accountSID, authToken, from string, logger zerolog.Logger) (*TwilioSMS, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("twilio account sid and auth token are required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return newTwilioSMS(client.Api, from, logger)
}

func newTwilioSMS(api messageCreator, from string, logger zerolog.Logger) (*TwilioSMS, error) {
	if from == "" {
		return nil, fmt.Errorf("twilio sender number is required")
	}
	return &TwilioSMS{
		api:    api,
		from:   from,
		logger: logger.With().Str("component", "TwilioSMS").Logger(),
	}, nil
}

// SendSMS creates a message. The Twilio client call is synchronous and does not
// take a context, so cancellation is only observed before the call.
func (s *TwilioSMS) SendSMS(ctx context.Context, msg notify.SMSMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(s.from)
	params.SetBody(msg.Body)

	resp, err := s.api.CreateMessage(params)
	if err != nil {
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) {
			return fmt.Errorf("%w: twilio %d (code %d): %s", notify.ErrTransport, restErr.Status, restErr.Code, restErr.Message)
		}
		return fmt.Errorf("%w: twilio: %v", notify.ErrTransport, err)
	}

	log := s.logger.Debug().Str("to", msg.To)
	if resp != nil && resp.Sid != nil {
		log = log.Str("sid", *resp.Sid)
	}
	log.Msg("SMS accepted by Twilio.")
	return nil
}
