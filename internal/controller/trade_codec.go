package controller

import (
	"encoding/json"

	"trinity/internal/models"
)

func encodeTrade(tr *models.TradeRecord) ([]byte, error) {
	return json.Marshal(tr)
}

func decodeTrade(data []byte) (*models.TradeRecord, error) {
	var tr models.TradeRecord
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}
