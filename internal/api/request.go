package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"edgecopilot/internal/agent"
	"edgecopilot/internal/models"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// chatRequest is the OpenAI-style body of POST /chat/completions. Sampling
// fields the agent does not use are accepted and validated but ignored.
type chatRequest struct {
	Messages            []models.Message   `json:"messages" validate:"required,min=1,dive"`
	Stream              bool               `json:"stream"`
	SessionID           string             `json:"session_id" validate:"omitempty,max=255"`
	StreamOptions       *streamOptions     `json:"stream_options"`
	FrequencyPenalty    *float64           `json:"frequency_penalty"`
	LogitBias           map[string]float64 `json:"logit_bias"`
	Logprobs            *bool              `json:"logprobs"`
	TopLogprobs         *int               `json:"top_logprobs"`
	MaxCompletionTokens *int               `json:"max_completion_tokens" validate:"omitempty,min=1"`
	MaxTokens           *int               `json:"max_tokens" validate:"omitempty,min=1"`
	N                   *int               `json:"n"`
	PresencePenalty     *float64           `json:"presence_penalty"`
	ResponseFormat      *responseFormat    `json:"response_format"`
	Seed                *float64           `json:"seed"`
	ServiceTier         *string            `json:"service_tier"`
	Stop                []string           `json:"stop"`
	Temperature         *float32           `json:"temperature"`
	TopP                *float32           `json:"top_p"`
	Tools               []toolDefinition   `json:"tools" validate:"omitempty,dive"`
	ToolChoice          any                `json:"tool_choice"`
	ParallelToolCalls   *bool              `json:"parallel_tool_calls"`
	User                *string            `json:"user"`
}

type streamOptions struct {
	IncludeUsage *bool `json:"include_usage"`
}

type responseFormat struct {
	Type string `json:"type" validate:"omitempty,oneof=text json_object json_schema"`
}

type toolDefinition struct {
	Type     string `json:"type" validate:"omitempty,oneof=function"`
	Function *struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"function"`
}

func (r *chatRequest) callOptions() agent.CallOptions {
	opts := agent.CallOptions{
		Temperature: r.Temperature,
		TopP:        r.TopP,
		MaxTokens:   r.MaxCompletionTokens,
		Stop:        r.Stop,
	}
	if opts.MaxTokens == nil {
		opts.MaxTokens = r.MaxTokens
	}
	return opts
}

// feedbackRequest is the body of POST /feedback.
type feedbackRequest struct {
	RunID    string        `json:"runId" validate:"required,max=128"`
	Feedback models.Rating `json:"feedback" validate:"required,oneof=like dislike neutral"`
	Comments string        `json:"comments" validate:"max=4000"`
}

// Issue is one failed validation rule.
type Issue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

var bindingOnce sync.Once

// configureBinding switches gin's validator engine to `validate` tags and
// registers the message rules, once per process.
func configureBinding() {
	bindingOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.SetTagName("validate")
		v.RegisterTagNameFunc(jsonFieldName)
		v.RegisterStructValidation(messageContentPresent, models.Message{})
	})
}

func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return fld.Name
	}
	return name
}

// messageContentPresent rejects messages whose content key was absent.
func messageContentPresent(sl validator.StructLevel) {
	msg := sl.Current().Interface().(models.Message)
	if !msg.Content.Present() {
		sl.ReportError(msg.Content, "content", "Content", "required", "")
	}
}

// issuesFrom flattens a validation or decoding error into client issues.
func issuesFrom(err error) []Issue {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []Issue{{Path: "body", Code: "invalid_body", Message: err.Error()}}
	}
	issues := make([]Issue, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, Issue{
			Path:    issuePath(fe.Namespace()),
			Code:    fe.Tag(),
			Message: issueMessage(fe),
		})
	}
	return issues
}

// issuePath drops the root struct name from a validator namespace.
func issuePath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func issueMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s long", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed the %q rule", fe.Tag())
	}
}
