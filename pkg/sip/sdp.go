package sip

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
)

// Payload types offered for audio, in preference order
var defaultCodecs = []string{"0", "8"}

var rtpmaps = map[string]string{
	"0":   "PCMU/8000",
	"8":   "PCMA/8000",
	"101": "telephone-event/8000",
}

// ErrNoCommonCodec is returned when an offer shares no codec with us
var ErrNoCommonCodec = errors.New("no common audio codec")

// MediaEndpoint is the RTP address and codecs taken from a remote SDP
type MediaEndpoint struct {
	Address string
	Port    int
	Formats []string
}

// BuildOffer creates the SDP offer for an outbound INVITE
func BuildOffer(addr string, port int) ([]byte, error) {
	return buildSDP(addr, port, defaultCodecs)
}

// BuildAnswer answers offer with the first of our codecs it contains
func BuildAnswer(offer []byte, addr string, port int) ([]byte, error) {
	remote, err := ParseMedia(offer)
	if err != nil {
		return nil, err
	}
	codec, ok := selectCodec(remote.Formats)
	if !ok {
		return nil, ErrNoCommonCodec
	}
	return buildSDP(addr, port, []string{codec})
}

func selectCodec(offered []string) (string, bool) {
	for _, ours := range defaultCodecs {
		for _, theirs := range offered {
			if ours == theirs {
				return ours, true
			}
		}
	}
	return "", false
}

func buildSDP(addr string, port int, formats []string) ([]byte, error) {
	id := uint64(time.Now().UnixNano())
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "gocall",
			SessionID:      id,
			SessionVersion: id,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "gocall",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: codecAttributes(formats),
			},
		},
	}
	out, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal SDP: %w", err)
	}
	return out, nil
}

func codecAttributes(formats []string) []sdp.Attribute {
	attrs := make([]sdp.Attribute, 0, len(formats)+2)
	for _, format := range formats {
		if rtpmap, ok := rtpmaps[format]; ok {
			attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: format + " " + rtpmap})
		}
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)
	return attrs
}

// ParseMedia extracts the first audio stream of an SDP body
func ParseMedia(body []byte) (MediaEndpoint, error) {
	if len(body) == 0 {
		return MediaEndpoint{}, errors.New("empty SDP")
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return MediaEndpoint{}, fmt.Errorf("parse SDP: %w", err)
	}

	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}
		ep := MediaEndpoint{
			Port:    media.MediaName.Port.Value,
			Formats: media.MediaName.Formats,
		}
		if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
			ep.Address = media.ConnectionInformation.Address.Address
		} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
			ep.Address = desc.ConnectionInformation.Address.Address
		}
		return ep, nil
	}
	return MediaEndpoint{}, errors.New("no audio in SDP")
}
