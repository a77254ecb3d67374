// ABOUTME: Receiver capability table decoded from the features bitmask
// ABOUTME: Named feature flags gate which commands may be issued
package protocol

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Feature is a single capability bit
type Feature uint64

// Feature bits as advertised in /server-info and the mDNS TXT record.
// Bits 6 and 10 are unassigned.
const (
	FeatureVideo                Feature = 1 << 0
	FeaturePhoto                Feature = 1 << 1
	FeatureVideoFairPlay        Feature = 1 << 2
	FeatureVideoVolumeControl   Feature = 1 << 3
	FeatureVideoHTTPLiveStreams Feature = 1 << 4
	FeatureSlideshow            Feature = 1 << 5
	FeatureScreen               Feature = 1 << 7
	FeatureScreenRotate         Feature = 1 << 8
	FeatureAudio                Feature = 1 << 9
	FeatureAudioRedundant       Feature = 1 << 11
	FeatureFPSAPv2pt5AESGCM     Feature = 1 << 12
	FeaturePhotoCaching         Feature = 1 << 13
)

// AllFeatures lists every defined flag in bit order
var AllFeatures = []Feature{
	FeatureVideo,
	FeaturePhoto,
	FeatureVideoFairPlay,
	FeatureVideoVolumeControl,
	FeatureVideoHTTPLiveStreams,
	FeatureSlideshow,
	FeatureScreen,
	FeatureScreenRotate,
	FeatureAudio,
	FeatureAudioRedundant,
	FeatureFPSAPv2pt5AESGCM,
	FeaturePhotoCaching,
}

var featureNames = map[Feature]string{
	FeatureVideo:                "video",
	FeaturePhoto:                "photo",
	FeatureVideoFairPlay:        "video-fairplay",
	FeatureVideoVolumeControl:   "volume-control",
	FeatureVideoHTTPLiveStreams: "http-live-streams",
	FeatureSlideshow:            "slideshow",
	FeatureScreen:               "screen",
	FeatureScreenRotate:         "screen-rotate",
	FeatureAudio:                "audio",
	FeatureAudioRedundant:       "audio-redundant",
	FeatureFPSAPv2pt5AESGCM:     "fps-ap-v2.5-aes-gcm",
	FeaturePhotoCaching:         "photo-caching",
}

// definedMask covers every assigned bit
var definedMask = func() uint64 {
	var m uint64
	for _, f := range AllFeatures {
		m |= uint64(f)
	}
	return m
}()

func (f Feature) String() string {
	if name, ok := featureNames[f]; ok {
		return name
	}
	return fmt.Sprintf("feature-bit-%d", bits.TrailingZeros64(uint64(f)))
}

// Features is the decoded, immutable capability table of one receiver
type Features struct {
	mask uint64
}

// Decode keeps the defined bits of mask. Undefined bits are dropped.
func Decode(mask uint64) Features {
	return Features{mask: mask & definedMask}
}

// Encode returns the bitmask of the set flags
func (f Features) Encode() uint64 {
	return f.mask
}

// Supports reports whether flag is set
func (f Features) Supports(flag Feature) bool {
	return f.mask&uint64(flag) != 0
}

// Require returns a CapabilityError when flag is absent
func (f Features) Require(flag Feature) error {
	if !f.Supports(flag) {
		return &CapabilityError{Feature: flag}
	}
	return nil
}

// Flags returns the set flags in bit order
func (f Features) Flags() []Feature {
	var out []Feature
	for _, flag := range AllFeatures {
		if f.Supports(flag) {
			out = append(out, flag)
		}
	}
	return out
}

// Names returns the names of the set flags in bit order
func (f Features) Names() []string {
	flags := f.Flags()
	names := make([]string, len(flags))
	for i, flag := range flags {
		names[i] = flag.String()
	}
	return names
}

func (f Features) String() string {
	return fmt.Sprintf("0x%X[%s]", f.mask, strings.Join(f.Names(), ","))
}

// ParseFeatures parses the TXT record form "0xLOW,0xHIGH" (high word
// optional) or a plain decimal or hex integer.
func ParseFeatures(s string) (Features, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Features{}, fmt.Errorf("empty features value")
	}

	parts := strings.Split(s, ",")
	if len(parts) > 2 {
		return Features{}, fmt.Errorf("malformed features value %q", s)
	}

	low, err := parseWord(parts[0])
	if err != nil {
		return Features{}, fmt.Errorf("malformed features value %q: %w", s, err)
	}
	mask := low

	if len(parts) == 2 {
		high, err := parseWord(parts[1])
		if err != nil {
			return Features{}, fmt.Errorf("malformed features value %q: %w", s, err)
		}
		mask = (low & 0xFFFFFFFF) | high<<32
	}

	return Decode(mask), nil
}

func parseWord(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "0x") {
		return strconv.ParseUint(lower[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}
