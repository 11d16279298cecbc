package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 是可以用 "30s"、"2m" 这类字符串书写的时长，YAML 与 JSON 均适用。
type Duration time.Duration

// Std 返回标准库时长。
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func parseDuration(text string) (Duration, error) {
	if text == "" {
		return 0, nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return 0, fmt.Errorf("无效的时长 %q: %w", text, err)
	}
	return Duration(parsed), nil
}

// UnmarshalYAML 接受时长字符串，或以秒为单位的整数。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var seconds int64
	if node.Tag == "!!int" {
		if err := node.Decode(&seconds); err != nil {
			return err
		}
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	parsed, err := parseDuration(text)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML 输出时长字符串。
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalJSON 接受时长字符串，或以秒为单位的数字。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err == nil {
		*d = Duration(seconds * float64(time.Second))
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("时长必须是字符串或数字: %w", err)
	}
	parsed, err := parseDuration(text)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON 输出时长字符串。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
