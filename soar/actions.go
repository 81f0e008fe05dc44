package soar

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"sentinel/core"
)

const (
	ActionTypeBlockIP      = "block_ip"
	ActionTypeTagDevice    = "tag_device"
	ActionTypeNotify       = "notify"
	ActionTypeCreateTicket = "create_ticket"
	ActionTypeRunScript    = "run_script"
)

const actionHTTPTimeout = 10 * time.Second

func newActionHTTPClient() *http.Client {
	return &http.Client{
		Timeout: actionHTTPTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
		},
	}
}

func newOutcome(actionType string) *ActionOutcome {
	return &ActionOutcome{
		Type:      actionType,
		StartedAt: time.Now(),
		Output:    make(map[string]interface{}),
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Sentinel-SOAR/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// BlockIPAction blocks an IP address at the firewall. When no endpoint
// is configured the block is logged instead of enforced so the engine
// stays runnable against lab infrastructure.
type BlockIPAction struct {
	logger             *zap.SugaredLogger
	client             *http.Client
	endpoint           string
	destructiveEnabled bool
}

func NewBlockIPAction(logger *zap.SugaredLogger, endpoint string, destructiveEnabled bool) *BlockIPAction {
	return &BlockIPAction{
		logger:             logger,
		client:             newActionHTTPClient(),
		endpoint:           endpoint,
		destructiveEnabled: destructiveEnabled,
	}
}

func (a *BlockIPAction) Type() string { return ActionTypeBlockIP }
func (a *BlockIPAction) Name() string { return "Block IP Address" }
func (a *BlockIPAction) Description() string {
	return "Blocks an IP address at the firewall or network level"
}

func (a *BlockIPAction) ValidateParams(params map[string]interface{}) error {
	if ip, ok := params["ip"].(string); ok && ip != "" {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("ip parameter is not a valid IP address: %s", ip)
		}
	} else if field, ok := params["ip_field"].(string); !ok || field == "" {
		return fmt.Errorf("either ip or ip_field parameter is required")
	}
	if _, err := blockDuration(params); err != nil {
		return err
	}
	return nil
}

// resolveIP takes the address either directly from the ip parameter or
// indirectly from the event field named by ip_field.
func resolveIP(event *core.Event, params map[string]interface{}) (string, error) {
	if ip, ok := params["ip"].(string); ok && ip != "" {
		return ip, nil
	}
	field, ok := params["ip_field"].(string)
	if !ok || field == "" {
		return "", fmt.Errorf("either ip or ip_field parameter is required")
	}
	raw, ok := event.Field(field)
	if !ok {
		return "", fmt.Errorf("event has no field %q for ip_field", field)
	}
	ip := fmt.Sprintf("%v", raw)
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("field %q does not hold a valid IP address: %s", field, ip)
	}
	return ip, nil
}

// blockDuration accepts either a duration string or a duration_minutes
// number, defaulting to 24h.
func blockDuration(params map[string]interface{}) (string, error) {
	if d, ok := params["duration"].(string); ok && d != "" {
		if _, err := time.ParseDuration(d); err != nil {
			return "", fmt.Errorf("duration parameter is not a valid duration: %s", d)
		}
		return d, nil
	}
	if raw, ok := params["duration_minutes"]; ok {
		var minutes int64
		switch v := raw.(type) {
		case int:
			minutes = int64(v)
		case int64:
			minutes = v
		case float64:
			minutes = int64(v)
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return "", fmt.Errorf("duration_minutes parameter is not a number: %s", v)
			}
			minutes = n
		default:
			return "", fmt.Errorf("duration_minutes parameter is not a number: %v", raw)
		}
		if minutes <= 0 {
			return "", fmt.Errorf("duration_minutes parameter must be positive: %d", minutes)
		}
		return fmt.Sprintf("%dm", minutes), nil
	}
	return "24h", nil
}

func (a *BlockIPAction) Target(event *core.Event, params map[string]interface{}) string {
	ip, err := resolveIP(event, params)
	if err != nil {
		return ""
	}
	return ip
}

func (a *BlockIPAction) Execute(ctx context.Context, event *core.Event, params map[string]interface{}) (*ActionOutcome, error) {
	result := newOutcome(a.Type())

	ip, err := resolveIP(event, params)
	if err != nil {
		return nil, err
	}
	duration, err := blockDuration(params)
	if err != nil {
		return nil, err
	}

	if !a.destructiveEnabled {
		a.logger.Warnw("Destructive action blocked by configuration",
			"action_type", a.Type(),
			"event_id", event.ID,
			"ip", ip)
		return nil, fmt.Errorf("destructive actions are disabled; enable soar.destructive_actions_enabled to block IPs")
	}

	if a.endpoint == "" {
		a.logger.Warnf("No firewall endpoint configured, logging block of %s for event %s", ip, event.ID)
		result.Message = fmt.Sprintf("IP %s block recorded (no firewall endpoint configured)", ip)
	} else {
		status, err := postJSON(ctx, a.client, a.endpoint, map[string]interface{}{
			"ip":       ip,
			"duration": duration,
			"reason":   fmt.Sprintf("sentinel event %s", event.ID),
		})
		if err != nil {
			return nil, fmt.Errorf("firewall block failed: %w", err)
		}
		result.Output["status_code"] = status
		result.Message = fmt.Sprintf("IP %s blocked for %s", ip, duration)
	}

	result.Output["ip"] = ip
	result.Output["duration"] = duration
	result.Target = ip
	return result, nil
}

// TagDeviceAction attaches a tag to a device in the asset inventory.
type TagDeviceAction struct {
	logger   *zap.SugaredLogger
	client   *http.Client
	endpoint string
}

func NewTagDeviceAction(logger *zap.SugaredLogger, endpoint string) *TagDeviceAction {
	return &TagDeviceAction{
		logger:   logger,
		client:   newActionHTTPClient(),
		endpoint: endpoint,
	}
}

func (a *TagDeviceAction) Type() string { return ActionTypeTagDevice }
func (a *TagDeviceAction) Name() string { return "Tag Device" }
func (a *TagDeviceAction) Description() string {
	return "Attaches a tag to a device in the asset inventory"
}

func (a *TagDeviceAction) ValidateParams(params map[string]interface{}) error {
	device, ok := params["device"].(string)
	if !ok || device == "" {
		return fmt.Errorf("device parameter is required")
	}
	tag, ok := params["tag"].(string)
	if !ok || tag == "" {
		return fmt.Errorf("tag parameter is required")
	}
	return nil
}

func (a *TagDeviceAction) Target(event *core.Event, params map[string]interface{}) string {
	device, _ := params["device"].(string)
	return device
}

func (a *TagDeviceAction) Execute(ctx context.Context, event *core.Event, params map[string]interface{}) (*ActionOutcome, error) {
	result := newOutcome(a.Type())

	device, _ := params["device"].(string)
	tag, _ := params["tag"].(string)

	if a.endpoint == "" {
		a.logger.Infof("No inventory endpoint configured, logging tag %q on device %s", tag, device)
		result.Message = fmt.Sprintf("Tag %q recorded for device %s (no inventory endpoint configured)", tag, device)
	} else {
		status, err := postJSON(ctx, a.client, a.endpoint, map[string]interface{}{
			"device":   device,
			"tag":      tag,
			"event_id": event.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("device tagging failed: %w", err)
		}
		result.Output["status_code"] = status
		result.Message = fmt.Sprintf("Device %s tagged %q", device, tag)
	}

	result.Output["device"] = device
	result.Output["tag"] = tag
	result.Target = device
	return result, nil
}

// NotifyAction sends a notification via a webhook channel.
type NotifyAction struct {
	logger   *zap.SugaredLogger
	client   *http.Client
	channels map[string]string
}

// NewNotifyAction creates a notify action. channels maps channel names
// to webhook URLs; an unconfigured channel logs the message instead.
func NewNotifyAction(logger *zap.SugaredLogger, channels map[string]string) *NotifyAction {
	return &NotifyAction{
		logger:   logger,
		client:   newActionHTTPClient(),
		channels: channels,
	}
}

func (a *NotifyAction) Type() string { return ActionTypeNotify }
func (a *NotifyAction) Name() string { return "Send Notification" }
func (a *NotifyAction) Description() string {
	return "Sends a notification message to a configured channel"
}

func (a *NotifyAction) ValidateParams(params map[string]interface{}) error {
	msg, ok := params["message"].(string)
	if !ok || msg == "" {
		return fmt.Errorf("message parameter must be a non-empty string")
	}
	if ch, ok := params["channel"]; ok {
		if s, ok := ch.(string); !ok || s == "" {
			return fmt.Errorf("channel parameter must be a non-empty string")
		}
	}
	return nil
}

func (a *NotifyAction) Target(event *core.Event, params map[string]interface{}) string {
	// Notifications are idempotent-ish and cheap; no serialization.
	return ""
}

func (a *NotifyAction) Execute(ctx context.Context, event *core.Event, params map[string]interface{}) (*ActionOutcome, error) {
	result := newOutcome(a.Type())

	message, _ := params["message"].(string)
	channel, _ := params["channel"].(string)
	if channel == "" {
		channel = "default"
	}

	url := a.channels[channel]
	if url == "" {
		a.logger.Infow("Notification (no webhook configured for channel)",
			"channel", channel,
			"event_id", event.ID,
			"message", message)
		result.Message = fmt.Sprintf("Notification logged for channel %s", channel)
	} else {
		status, err := postJSON(ctx, a.client, url, map[string]interface{}{
			"text":     message,
			"event_id": event.ID,
			"service":  event.Service,
			"severity": event.Severity,
		})
		if err != nil {
			return nil, fmt.Errorf("notification to channel %s failed: %w", channel, err)
		}
		result.Output["status_code"] = status
		result.Message = fmt.Sprintf("Notification sent via %s", channel)
	}

	result.Output["channel"] = channel
	return result, nil
}

// CreateTicketAction creates a ticket in an external ticketing system.
type CreateTicketAction struct {
	logger   *zap.SugaredLogger
	client   *http.Client
	endpoint string
}

func NewCreateTicketAction(logger *zap.SugaredLogger, endpoint string) *CreateTicketAction {
	return &CreateTicketAction{
		logger:   logger,
		client:   newActionHTTPClient(),
		endpoint: endpoint,
	}
}

func (a *CreateTicketAction) Type() string { return ActionTypeCreateTicket }
func (a *CreateTicketAction) Name() string { return "Create Ticket" }
func (a *CreateTicketAction) Description() string {
	return "Creates a ticket in an external ticketing system"
}

func (a *CreateTicketAction) ValidateParams(params map[string]interface{}) error {
	title, ok := params["title"].(string)
	if !ok || title == "" {
		return fmt.Errorf("title parameter must be a non-empty string")
	}
	return nil
}

func (a *CreateTicketAction) Target(event *core.Event, params map[string]interface{}) string {
	return ""
}

func (a *CreateTicketAction) Execute(ctx context.Context, event *core.Event, params map[string]interface{}) (*ActionOutcome, error) {
	result := newOutcome(a.Type())

	title, _ := params["title"].(string)
	description := fmt.Sprintf("Event ID: %s\nService: %s\nStream: %s\nSeverity: %s\nTimestamp: %s",
		event.ID, event.Service, event.Stream, event.Severity, event.Timestamp.Format(time.RFC3339))
	if desc, ok := params["description"].(string); ok && desc != "" {
		description = desc + "\n\n" + description
	}

	if a.endpoint == "" {
		ticketID := fmt.Sprintf("SENTINEL-%d", time.Now().Unix())
		a.logger.Infof("No ticketing endpoint configured, recording ticket %s: %s", ticketID, title)
		result.Message = fmt.Sprintf("Ticket recorded: %s", ticketID)
		result.Output["ticket_id"] = ticketID
	} else {
		status, err := postJSON(ctx, a.client, a.endpoint, map[string]interface{}{
			"title":       title,
			"description": description,
			"event_id":    event.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("ticket creation failed: %w", err)
		}
		result.Output["status_code"] = status
		result.Message = fmt.Sprintf("Ticket created: %s", title)
	}

	result.Output["title"] = title
	return result, nil
}

// RunScriptAction runs an operator-provided script from the configured
// scripts directory. Scripts outside that directory are rejected.
type RunScriptAction struct {
	logger     *zap.SugaredLogger
	scriptsDir string
	timeout    time.Duration
}

func NewRunScriptAction(logger *zap.SugaredLogger, scriptsDir string, timeout time.Duration) *RunScriptAction {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RunScriptAction{logger: logger, scriptsDir: scriptsDir, timeout: timeout}
}

func (a *RunScriptAction) Type() string { return ActionTypeRunScript }
func (a *RunScriptAction) Name() string { return "Run Script" }
func (a *RunScriptAction) Description() string {
	return "Runs a script from the configured scripts directory"
}

func (a *RunScriptAction) ValidateParams(params map[string]interface{}) error {
	script, ok := params["script"].(string)
	if !ok || script == "" {
		return fmt.Errorf("script parameter must be a non-empty string")
	}
	if a.scriptsDir == "" {
		return fmt.Errorf("no scripts directory configured")
	}
	if _, err := a.resolveScript(script); err != nil {
		return err
	}
	if args, ok := params["args"]; ok {
		if _, ok := args.([]interface{}); !ok {
			return fmt.Errorf("args parameter must be a list")
		}
	}
	return nil
}

// resolveScript confines script paths to the scripts directory.
func (a *RunScriptAction) resolveScript(script string) (string, error) {
	if filepath.IsAbs(script) || strings.Contains(script, "..") {
		return "", fmt.Errorf("script must be a relative path inside the scripts directory")
	}
	full := filepath.Join(a.scriptsDir, script)
	rel, err := filepath.Rel(a.scriptsDir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("script path escapes the scripts directory: %s", script)
	}
	return full, nil
}

func (a *RunScriptAction) Target(event *core.Event, params map[string]interface{}) string {
	script, _ := params["script"].(string)
	return script
}

func (a *RunScriptAction) Execute(ctx context.Context, event *core.Event, params map[string]interface{}) (*ActionOutcome, error) {
	result := newOutcome(a.Type())

	script, _ := params["script"].(string)
	full, err := a.resolveScript(script)
	if err != nil {
		return nil, err
	}

	var args []string
	if raw, ok := params["args"].([]interface{}); ok {
		for _, item := range raw {
			args = append(args, fmt.Sprintf("%v", item))
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, full, args...)
	cmd.Env = append(cmd.Environ(),
		"SENTINEL_EVENT_ID="+event.ID,
		"SENTINEL_EVENT_SERVICE="+event.Service,
		"SENTINEL_EVENT_SEVERITY="+event.Severity,
	)

	output, err := cmd.CombinedOutput()
	if len(output) > 4096 {
		output = output[:4096]
	}
	result.Output["script"] = script
	result.Output["output"] = string(output)
	if err != nil {
		return nil, fmt.Errorf("script %s failed: %w", script, err)
	}

	result.Message = fmt.Sprintf("Script %s completed", script)
	result.Target = script
	return result, nil
}
