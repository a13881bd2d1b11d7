package schema

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func addressSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"from": map[string]interface{}{
				"type": "string", "pattern": "^0x[a-fA-F0-9]{40}$",
			},
			"amount": map[string]interface{}{
				"type": "string", "pattern": "^[0-9]+$",
			},
		},
		"required": []string{"from", "amount"},
	}
}

func TestValidate(t *testing.T) {
	result := Validate(addressSchema(), map[string]interface{}{
		"from":   "0x857b06519E91e3A54538791bDbb0E22373e36b66",
		"amount": "10000",
	})
	if !result.Valid {
		t.Errorf("valid document rejected: %v", result.Errors)
	}

	result = Validate(addressSchema(), map[string]interface{}{
		"from":   "not an address",
		"amount": "10000",
	})
	if result.Valid {
		t.Error("pattern violation must fail")
	}
	if len(result.Errors) == 0 {
		t.Error("failures must carry error descriptions")
	}

	result = Validate(addressSchema(), map[string]interface{}{"from": "0x857b06519E91e3A54538791bDbb0E22373e36b66"})
	if result.Valid {
		t.Error("missing required field must fail")
	}
}

func TestValidateExtensionObject(t *testing.T) {
	passing := map[string]interface{}{
		"info": map[string]interface{}{
			"from":   "0x857b06519E91e3A54538791bDbb0E22373e36b66",
			"amount": "10000",
		},
		"schema": addressSchema(),
	}
	if result := ValidateExtensionObject(passing); !result.Valid {
		t.Errorf("conforming extension rejected: %v", result.Errors)
	}

	failing := map[string]interface{}{
		"info":   map[string]interface{}{"from": "bad", "amount": "ten"},
		"schema": addressSchema(),
	}
	if result := ValidateExtensionObject(failing); result.Valid {
		t.Error("nonconforming info must fail")
	}

	schemaless := map[string]interface{}{"info": map[string]interface{}{"anything": true}}
	if result := ValidateExtensionObject(schemaless); !result.Valid {
		t.Errorf("extensions without an embedded schema pass: %v", result.Errors)
	}
}

func TestWarnOnInvalid(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ok := WarnOnInvalid(logger, "erc20-approval-gas-sponsoring", map[string]interface{}{
		"info":   map[string]interface{}{"from": "bad"},
		"schema": addressSchema(),
	})
	if ok {
		t.Error("invalid extension must report false")
	}
	if !strings.Contains(buf.String(), "erc20-approval-gas-sponsoring") {
		t.Errorf("warning must name the extension, log = %q", buf.String())
	}

	buf.Reset()
	ok = WarnOnInvalid(logger, "bazaar", map[string]interface{}{"info": map[string]interface{}{}})
	if !ok {
		t.Error("schemaless extensions pass")
	}
	if buf.Len() != 0 {
		t.Errorf("passing validation must not log, got %q", buf.String())
	}
}
