package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// fuelEnum folds partner fuel variants onto the canonical set.
var fuelEnum = map[string]string{
	"petrol": "petrol", "gasoline": "petrol", "gas": "petrol",
	"diesel": "diesel",
	"cng":     "cng",
	"lpg":     "lpg",
	"electric": "electric", "ev": "electric", "bev": "electric",
	"hybrid": "hybrid", "phev": "hybrid", "hev": "hybrid",
}

// transmissionEnum folds transmission variants onto the canonical set.
var transmissionEnum = map[string]string{
	"manual": "manual", "mt": "manual", "stick": "manual",
	"automatic": "automatic", "at": "automatic", "auto": "automatic",
	"amt": "automatic", "cvt": "automatic", "dct": "automatic",
}

// applyTransform runs a built-in named transform over a raw field value.
// An empty name passes the value through unchanged.
func applyTransform(val any, name string) (any, error) {
	switch name {
	case "":
		return val, nil
	case "trim":
		s, err := asString(val)
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(s), nil
	case "lowercase":
		s, err := asString(val)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(strings.TrimSpace(s)), nil
	case "upper":
		s, err := asString(val)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(strings.TrimSpace(s)), nil
	case "int":
		return asInt(val)
	case "float":
		f, err := asFloat(val)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "year4":
		n, err := asInt(val)
		if err != nil {
			return nil, err
		}
		// Two-digit model years roll into the 2000s.
		if n < 100 {
			n += 2000
		}
		return n, nil
	case "price_lakh":
		f, err := asFloat(val)
		if err != nil {
			return nil, err
		}
		return int64(math.Round(f * 100_000)), nil
	case "price_thousand":
		f, err := asFloat(val)
		if err != nil {
			return nil, err
		}
		return int64(math.Round(f * 1000)), nil
	case "km_from_miles":
		f, err := asFloat(val)
		if err != nil {
			return nil, err
		}
		return int64(math.Round(f * 1.60934)), nil
	case "fuel_enum":
		s, err := asString(val)
		if err != nil {
			return nil, err
		}
		canon, ok := fuelEnum[strings.ToLower(strings.TrimSpace(s))]
		if !ok {
			return nil, fmt.Errorf("unknown fuel type %q", s)
		}
		return canon, nil
	case "transmission_enum":
		s, err := asString(val)
		if err != nil {
			return nil, err
		}
		canon, ok := transmissionEnum[strings.ToLower(strings.TrimSpace(s))]
		if !ok {
			return nil, fmt.Errorf("unknown transmission %q", s)
		}
		return canon, nil
	case "csv_list":
		s, err := asString(val)
		if err != nil {
			return nil, err
		}
		var out []string
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown transform %q", name)
	}
}

func asString(val any) (string, error) {
	switch v := val.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("expected string, got %T", val)
	}
}

func asInt(val any) (int64, error) {
	switch v := val.(type) {
	case float64:
		return int64(math.Round(v)), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(v, ",", ""))
		if s == "" {
			return 0, fmt.Errorf("empty numeric value")
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", v)
		}
		return int64(math.Round(f)), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", val)
	}
}

func asFloat(val any) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(v, ",", ""))
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", val)
	}
}

func asStringList(val any) ([]string, error) {
	switch v := val.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, err := asString(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{v}, nil
	default:
		return nil, fmt.Errorf("expected list, got %T", val)
	}
}
