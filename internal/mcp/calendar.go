package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-voice-lab/schedbot/internal/calendar"
	"github.com/discord-voice-lab/schedbot/internal/logging"
)

// FreeBusyTool is the tool name the calendar server registers.
const FreeBusyTool = "calendar_freebusy"

const defaultDays = 7

// FreeBusyArgs are the calendar_freebusy arguments.
type FreeBusyArgs struct {
	Question string `json:"question" jsonschema:"the scheduling request in plain words"`
	Timezone string `json:"timezone,omitempty" jsonschema:"IANA timezone for the answer"`
	Days     int    `json:"days,omitempty" jsonschema:"days ahead to search (default 7)"`
}

// ToolCaller is what CalendarOracle needs from a client session.
type ToolCaller interface {
	CallText(ctx context.Context, name string, args map[string]any) (string, error)
}

// CalendarOracle answers free/busy questions through the calendar tool.
type CalendarOracle struct {
	caller   ToolCaller
	timezone string
}

func NewCalendarOracle(caller ToolCaller, timezone string) *CalendarOracle {
	return &CalendarOracle{caller: caller, timezone: timezone}
}

func (o *CalendarOracle) FreeBusy(ctx context.Context, question string) (string, error) {
	args := map[string]any{"question": question}
	if o.timezone != "" {
		args["timezone"] = o.timezone
	}
	out, err := o.caller.CallText(ctx, FreeBusyTool, args)
	if err != nil {
		return "", fmt.Errorf("calendar oracle: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// NewCalendarServer builds an MCP server exposing calendar_freebusy over cal.
// now is injectable for tests.
func NewCalendarServer(cal *calendar.Calendar, now func() time.Time) *sdk.Server {
	if now == nil {
		now = time.Now
	}
	server := sdk.NewServer(&sdk.Implementation{Name: "calendar-mcp", Version: "v0.1.0"}, nil)
	sdk.AddTool(server, &sdk.Tool{
		Name:        FreeBusyTool,
		Description: "List busy and free blocks in working hours for the coming days.",
	}, func(ctx context.Context, _ *sdk.CallToolRequest, args FreeBusyArgs) (*sdk.CallToolResult, any, error) {
		text, err := answerFreeBusy(cal, now(), args)
		if err != nil {
			return &sdk.CallToolResult{
				IsError: true,
				Content: []sdk.Content{&sdk.TextContent{Text: err.Error()}},
			}, nil, nil
		}
		logging.Debugw("calendar_freebusy answered", "question", args.Question, "timezone", args.Timezone)
		return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}}, nil, nil
	})
	return server
}

func answerFreeBusy(cal *calendar.Calendar, now time.Time, args FreeBusyArgs) (string, error) {
	loc, err := cal.Location()
	if err != nil {
		return "", err
	}
	if args.Timezone != "" {
		if loc, err = time.LoadLocation(args.Timezone); err != nil {
			return "", fmt.Errorf("unknown timezone %q", args.Timezone)
		}
	}
	days := args.Days
	if days <= 0 {
		days = defaultDays
	}
	to := now.AddDate(0, 0, days)

	var b strings.Builder
	if q := strings.TrimSpace(args.Question); q != "" {
		fmt.Fprintf(&b, "Request: %s\n", q)
	}
	fmt.Fprintf(&b, "Busy (%s):\n", loc)
	busy := cal.Busy(now, to)
	if len(busy) == 0 {
		b.WriteString("none\n")
	} else {
		b.WriteString(calendar.Format(busy, loc))
	}
	fmt.Fprintf(&b, "Free (%s):\n", loc)
	b.WriteString(calendar.Format(cal.Free(now, to, loc), loc))
	return b.String(), nil
}
