package delivery

import (
	"errors"
	"strings"
	"testing"

	"campaignbot/internal/transport"
)

func testRecipient() *transport.Recipient {
	return &transport.Recipient{
		ID:          "111",
		Username:    "john",
		FirstName:   "John",
		DisplayName: "John",
	}
}

func msgWith(content string) Message {
	return Message{
		Content:       content,
		TargetMapping: TargetMapping{TargetName: "user"},
	}
}

func TestPersonalizeRawInterpolation(t *testing.T) {
	t.Parallel()
	got, err := Personalize(msgWith("Hello {{{user.displayName}}}!"), testRecipient(), TargetData{}, TargetMapping{TargetName: "user"})
	if err != nil {
		t.Fatalf("Personalize error: %v", err)
	}
	if got != "Hello John!" {
		t.Fatalf("got %q, want %q", got, "Hello John!")
	}
}

func TestPersonalizeEscapedVsRaw(t *testing.T) {
	t.Parallel()
	rec := testRecipient()
	rec.DisplayName = "Tom & Jerry"

	mapping := TargetMapping{TargetName: "user"}
	escaped, err := Personalize(msgWith("{{user.displayName}}"), rec, TargetData{}, mapping)
	if err != nil {
		t.Fatalf("escaped render error: %v", err)
	}
	if escaped != "Tom &amp; Jerry" {
		t.Fatalf("escaped = %q, want %q", escaped, "Tom &amp; Jerry")
	}

	raw, err := Personalize(msgWith("{{{user.displayName}}}"), rec, TargetData{}, mapping)
	if err != nil {
		t.Fatalf("raw render error: %v", err)
	}
	if raw != "Tom & Jerry" {
		t.Fatalf("raw = %q, want %q", raw, "Tom & Jerry")
	}
}

func TestPersonalizeSections(t *testing.T) {
	t.Parallel()
	mapping := TargetMapping{TargetName: "user"}
	tmpl := "{{#targetData.vip}}Welcome back!{{/targetData.vip}}{{^targetData.vip}}Hi there.{{/targetData.vip}}"

	vip, err := Personalize(msgWith(tmpl), testRecipient(), TargetData{Shared: Record{"vip": true}}, mapping)
	if err != nil {
		t.Fatalf("vip render error: %v", err)
	}
	if vip != "Welcome back!" {
		t.Fatalf("vip = %q", vip)
	}

	plain, err := Personalize(msgWith(tmpl), testRecipient(), TargetData{Shared: Record{"vip": false}}, mapping)
	if err != nil {
		t.Fatalf("plain render error: %v", err)
	}
	if plain != "Hi there." {
		t.Fatalf("plain = %q", plain)
	}
}

func TestPersonalizePerRecipientData(t *testing.T) {
	t.Parallel()
	data := TargetData{PerRecipient: []Record{
		{"id": "222", "name": "Other"},
		{"id": "111", "name": "Mine"},
	}}
	got, err := Personalize(msgWith("{{{targetData.name}}}"), testRecipient(), data, TargetMapping{TargetName: "user", Identifier: "id"})
	if err != nil {
		t.Fatalf("Personalize error: %v", err)
	}
	if got != "Mine" {
		t.Fatalf("got %q, want %q", got, "Mine")
	}

	// No matching record renders as empty, not as an error.
	data = TargetData{PerRecipient: []Record{{"id": "999", "name": "Other"}}}
	got, err = Personalize(msgWith("x{{{targetData.name}}}y"), testRecipient(), data, TargetMapping{TargetName: "user", Identifier: "id"})
	if err != nil {
		t.Fatalf("Personalize error: %v", err)
	}
	if got != "xy" {
		t.Fatalf("got %q, want %q", got, "xy")
	}
}

func TestPersonalizeValidation(t *testing.T) {
	t.Parallel()
	mapping := TargetMapping{TargetName: "user"}
	tests := []struct {
		name    string
		msg     Message
		rec     *transport.Recipient
		mapping TargetMapping
		wantErr error
	}{
		{"nil recipient", msgWith("hi"), nil, mapping, ErrInvalidRecipient},
		{"empty target name", msgWith("hi"), testRecipient(), TargetMapping{}, ErrInvalidTargetMapping},
		{"empty template", msgWith("   "), testRecipient(), mapping, ErrEmptyTemplate},
		{
			"mapping mismatch",
			Message{Content: "hi", TargetMapping: TargetMapping{TargetName: "member"}},
			testRecipient(), mapping, ErrMappingMismatch,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Personalize(tt.msg, tt.rec, TargetData{}, tt.mapping)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPersonalizeContentTooLong(t *testing.T) {
	t.Parallel()
	data := TargetData{Shared: Record{"body": strings.Repeat("x", MaxContentLength+1)}}
	_, err := Personalize(msgWith("{{{targetData.body}}}"), testRecipient(), data, TargetMapping{TargetName: "user"})
	if !errors.Is(err, ErrContentTooLong) {
		t.Fatalf("err = %v, want ErrContentTooLong", err)
	}
}

func TestPersonalizeMalformedTemplate(t *testing.T) {
	t.Parallel()
	_, err := Personalize(msgWith("{{#unclosed}}oops"), testRecipient(), TargetData{}, TargetMapping{TargetName: "user"})
	if err == nil {
		t.Fatal("expected error for malformed template")
	}
	if !strings.Contains(err.Error(), "template rendering failed") {
		t.Fatalf("error should carry rendering context, got: %v", err)
	}
}

func TestNormalizeContent(t *testing.T) {
	t.Parallel()
	in := "  Hello  \n   indented line\t\n\nlast  "
	want := "Hello\nindented line\n\nlast"
	if got := NormalizeContent(in); got != want {
		t.Fatalf("NormalizeContent() = %q, want %q", got, want)
	}
}
