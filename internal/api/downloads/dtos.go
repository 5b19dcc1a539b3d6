package downloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/api/util"
	"github.com/hbomb79/Hoard/internal/download"
	"github.com/hbomb79/Hoard/internal/job"
)

type (
	overrideDto struct {
		Method  string            `json:"method,omitempty"`
		Headers map[string]string `json:"headers,omitempty"`
	}

	submitItemDto struct {
		URL        string         `json:"url"`
		Tags       []string       `json:"tags"`
		SkipFixing bool           `json:"skip_fixing"`
		Override   *overrideDto   `json:"override,omitempty"`
		Options    map[string]any `json:"options,omitempty"`
	}

	submitRequestDto struct {
		Items []submitItemDto `json:"items"`
	}

	submitOutcomeDto struct {
		JobID     *uuid.UUID `json:"job_id,omitempty"`
		Rejection *string    `json:"rejection,omitempty"`
	}

	submitResponseDto struct {
		Outcomes []submitOutcomeDto `json:"outcomes"`
	}

	sceneDto struct {
		Index int     `json:"index"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	}

	resultDto struct {
		MimeType   string `json:"mime_type"`
		Extension  string `json:"extension"`
		Size       int64  `json:"size"`
		Digest     string `json:"digest"`
		Container  string `json:"container,omitempty"`
		VideoCodec string `json:"video_codec,omitempty"`
		AudioCodec string `json:"audio_codec,omitempty"`
		Width      int    `json:"width,omitempty"`
		Height     int    `json:"height,omitempty"`
		Duration   string `json:"duration,omitempty"`
		Strategy   string `json:"strategy,omitempty"`
		Converted  bool   `json:"converted"`
	}

	Dto struct {
		ID              uuid.UUID    `json:"id"`
		ClientID        uuid.UUID    `json:"client_id"`
		SourceURL       string       `json:"source_url"`
		Tags            []string     `json:"tags"`
		SkipFixing      bool         `json:"skip_fixing"`
		Override        *overrideDto `json:"override,omitempty"`
		Status          job.Status   `json:"status"`
		ResultPath      *string      `json:"result_path,omitempty"`
		Result          *resultDto   `json:"result,omitempty"`
		Scenes          []sceneDto   `json:"scenes,omitempty"`
		ErrorDetail     *string      `json:"error_detail,omitempty"`
		Attempts        int          `json:"attempts"`
		CancelRequested bool         `json:"cancel_requested"`
		CreatedAt       time.Time    `json:"created_at"`
		UpdatedAt       time.Time    `json:"updated_at"`
	}

	linkRequestDto struct {
		TTLSeconds int64 `json:"ttl_seconds"`
	}

	linkResponseDto struct {
		Token     string    `json:"token"`
		URL       string    `json:"url"`
		ExpiresAt time.Time `json:"expires_at"`
	}
)

func overrideDtoToModel(dto overrideDto) job.RequestOverride {
	return job.RequestOverride{Method: dto.Method, Headers: dto.Headers}
}

func overrideModelToDto(model job.RequestOverride) overrideDto {
	return overrideDto{Method: model.Method, Headers: model.Headers}
}

func submitItemDtoToModel(dto submitItemDto) download.SubmitItem {
	return download.SubmitItem{
		URL:        dto.URL,
		Tags:       dto.Tags,
		SkipFixing: dto.SkipFixing,
		Override:   util.ApplyOptionalConversion(dto.Override, overrideDtoToModel),
		Options:    dto.Options,
	}
}

func submitOutcomeModelToDto(outcome download.SubmitOutcome) submitOutcomeDto {
	return submitOutcomeDto{JobID: outcome.JobID, Rejection: outcome.Rejection}
}

func sceneModelToDto(scene job.Scene) sceneDto {
	return sceneDto{Index: scene.Index, Start: scene.Start, End: scene.End}
}

func resultModelToDto(meta job.ResultMeta) resultDto {
	return resultDto{
		MimeType:   meta.MimeType,
		Extension:  meta.Extension,
		Size:       meta.Size,
		Digest:     meta.Digest,
		Container:  meta.Container,
		VideoCodec: meta.VideoCodec,
		AudioCodec: meta.AudioCodec,
		Width:      meta.Width,
		Height:     meta.Height,
		Duration:   meta.Duration,
		Strategy:   meta.Strategy,
		Converted:  meta.Converted,
	}
}

func NewDto(model *job.Job) Dto {
	return Dto{
		ID:              model.ID,
		ClientID:        model.ClientID,
		SourceURL:       model.SourceURL,
		Tags:            util.NotNilOrEmpty(model.Tags),
		SkipFixing:      model.SkipFixing,
		Override:        util.ApplyOptionalConversion(model.Override, overrideModelToDto),
		Status:          model.Status,
		ResultPath:      model.ResultPath,
		Result:          util.ApplyOptionalConversion(model.ResultMeta, resultModelToDto),
		Scenes:          util.ApplyConversion(model.Scenes, sceneModelToDto),
		ErrorDetail:     model.ErrorDetail,
		Attempts:        model.Attempts,
		CancelRequested: model.CancelRequested,
		CreatedAt:       model.CreatedAt,
		UpdatedAt:       model.UpdatedAt,
	}
}
