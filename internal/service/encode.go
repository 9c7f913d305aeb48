package service

import (
	"encoding/base64"

	"gif-forge/internal/apperr"
	"gif-forge/internal/model"
)

// EncodeResponse builds the client payload. gif-name carries the refiner
// title; chatgpt-prompt carries the refined positive prompt.
func EncodeResponse(gif []byte, refined model.RefinedPrompt, jobID string) (model.GenerateResponse, error) {
	if len(gif) == 0 {
		return model.GenerateResponse{}, apperr.New(apperr.KindIO, "encode.response", "gif is empty")
	}
	return model.GenerateResponse{
		ChatGPTPrompt: refined.Prompt,
		GIFName:       refined.Title,
		GIFData:       base64.StdEncoding.EncodeToString(gif),
		MIMEType:      model.GIFMimeType,
		JobID:         jobID,
	}, nil
}
