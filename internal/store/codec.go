package store

import (
	"encoding/json"

	"ims-core/pkg/errs"
	"ims-core/pkg/types"
)

func marshalRule(r types.CalculationRule) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "encode rule %s", r.RuleID)
	}
	return b, nil
}

func unmarshalRule(b []byte, r *types.CalculationRule) error {
	if err := json.Unmarshal(b, r); err != nil {
		return errs.Wrap(errs.Internal, err, "decode rule")
	}
	return nil
}
