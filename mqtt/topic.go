package mqtt

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Topic errors not tied to a single packet type.
var (
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
)

const (
	topicSeparator      = '/'
	singleLevelWildcard = '+'
	multiLevelWildcard  = '#'
)

// ValidateTopicName checks a topic a PUBLISH may carry: non-empty UTF-8
// without NUL and without wildcards.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrTopicNameEmpty
	}
	if !utf8.ValidString(topic) || strings.IndexByte(topic, 0) >= 0 {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, "+#") {
		return ErrTopicWildcard
	}
	return nil
}

// ValidateTopicFilter checks a SUBSCRIBE filter. '+' must fill a whole
// level; '#' must fill the last one.
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return ErrTopicFilterEmpty
	}
	if !utf8.ValidString(filter) || strings.IndexByte(filter, 0) >= 0 {
		return ErrInvalidTopicFilter
	}

	levels := strings.Split(filter, string(topicSeparator))
	for i, level := range levels {
		if strings.IndexByte(level, singleLevelWildcard) >= 0 && level != "+" {
			return ErrInvalidTopicFilter
		}
		if strings.IndexByte(level, multiLevelWildcard) >= 0 && (level != "#" || i != len(levels)-1) {
			return ErrInvalidTopicFilter
		}
	}
	return nil
}

// TopicMatch reports whether topic matches filter. Topics starting with '$'
// are not matched by a leading wildcard.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if topic[0] == '$' && (filter[0] == singleLevelWildcard || filter[0] == multiLevelWildcard) {
		return false
	}

	// fi and ti end one past the separator of the level just consumed, so
	// len+1 means every level was used.
	fi, ti := 0, 0
	for fi <= len(filter) {
		fend := fi
		for fend < len(filter) && filter[fend] != topicSeparator {
			fend++
		}
		flevel := filter[fi:fend]
		fi = fend + 1

		if flevel == "#" {
			return true
		}
		if ti > len(topic) {
			return false
		}

		tend := ti
		for tend < len(topic) && topic[tend] != topicSeparator {
			tend++
		}
		if flevel != "+" && flevel != topic[ti:tend] {
			return false
		}
		ti = tend + 1
	}
	return ti > len(topic)
}
