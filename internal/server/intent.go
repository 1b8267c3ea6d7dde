package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"vigil/internal/engine"
	"vigil/internal/types"
)

const maxIntentBody = 64 << 10

// intentSchema is the wire contract for POST /api/intents. Quantities travel
// as strings (or numbers) and are re-parsed as decimals, never floats.
const intentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["symbol", "side", "offset", "quantity"],
  "additionalProperties": false,
  "properties": {
    "symbol":      {"type": "string", "minLength": 1},
    "side":        {"enum": ["buy", "sell"]},
    "offset":      {"enum": ["open", "close"]},
    "quantity":    {"type": ["string", "number"]},
    "limit_price": {"type": ["string", "number"]},
    "slice_qty":   {"type": ["string", "number"]},
    "algo_hint":   {"type": "string"},
    "hash":        {"type": "string"}
  }
}`

var compiledIntentSchema = mustCompileIntentSchema()

func mustCompileIntentSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("intent.json", strings.NewReader(intentSchema)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("intent.json")
}

func (h *handlers) submitIntent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIntentBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "cannot read body"})
		return
	}
	// Cheap structural sniff before the schema pass.
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_JSON", "error": "body must be a json object"})
		return
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_JSON", "error": err.Error()})
		return
	}
	if err := compiledIntentSchema.Validate(doc); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "SCHEMA_VIOLATION", "error": err.Error()})
		return
	}

	intent, err := intentFromBody(body)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "INVALID_INTENT", "error": err.Error()})
		return
	}

	execID, err := h.cfg.Engine.Submit(c.Request.Context(), intent)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"exec_id": execID})
	case errors.Is(err, engine.ErrRejected):
		c.JSON(http.StatusConflict, gin.H{"code": "REJECTED", "error": err.Error()})
	case errors.Is(err, engine.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "ENGINE_STOPPED", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
	}
}

func intentFromBody(body []byte) (types.OrderIntent, error) {
	get := func(path string) gjson.Result { return gjson.GetBytes(body, path) }

	qty, err := decimalField(get("quantity"), false)
	if err != nil {
		return types.OrderIntent{}, errors.New("quantity is not a decimal")
	}
	limit, err := decimalField(get("limit_price"), true)
	if err != nil {
		return types.OrderIntent{}, errors.New("limit_price is not a decimal")
	}
	slice, err := decimalField(get("slice_qty"), true)
	if err != nil {
		return types.OrderIntent{}, errors.New("slice_qty is not a decimal")
	}

	intent := types.OrderIntent{
		Symbol:     get("symbol").String(),
		Side:       types.Side(get("side").String()),
		Offset:     types.Offset(get("offset").String()),
		Quantity:   qty,
		LimitPrice: limit,
		SliceQty:   slice,
		AlgoHint:   get("algo_hint").String(),
		Hash:       get("hash").String(),
		CreatedAt:  time.Now(),
	}
	return intent, intent.Validate()
}

func decimalField(res gjson.Result, optional bool) (decimal.Decimal, error) {
	if !res.Exists() {
		if optional {
			return decimal.Zero, nil
		}
		return decimal.Zero, errors.New("missing")
	}
	return decimal.NewFromString(strings.TrimSpace(res.String()))
}
