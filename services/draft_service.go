package services

import (
	"encoding/json"
	"time"

	"github.com/GrainArc/ZoneMap/methods"
	"github.com/GrainArc/ZoneMap/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DraftJournal 本地草稿库，未保存的编辑在重启后可恢复，并记录每次提交
type DraftJournal struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewDraftJournal(db *gorm.DB, log zerolog.Logger) *DraftJournal {
	return &DraftJournal{db: db, log: log.With().Str("component", "draft").Logger()}
}

func toDraft(e models.DrawEntry) (models.DraftEntry, error) {
	feature, err := json.Marshal(e.Feature)
	if err != nil {
		return models.DraftEntry{}, errors.Wrapf(err, "encode feature %s", e.Key)
	}
	d := models.DraftEntry{
		Key:      e.Key,
		State:    string(e.State),
		Revision: e.Revision,
		Feature:  datatypes.JSON(feature),
		// 空值写成 JSON null，避免读回 NULL 列
		Original: datatypes.JSON("null"),
	}
	if e.Feature.Geometry != nil {
		if d.GeomWKB, err = methods.GeoJsonToWKB(e.Feature.Geometry); err != nil {
			return models.DraftEntry{}, err
		}
	}
	if e.Original != nil {
		orig, err := json.Marshal(e.Original)
		if err != nil {
			return models.DraftEntry{}, errors.Wrapf(err, "encode original %s", e.Key)
		}
		d.Original = datatypes.JSON(orig)
	}
	return d, nil
}

func fromDraft(d models.DraftEntry) (models.DrawEntry, error) {
	e := models.DrawEntry{Key: d.Key, State: models.LifecycleState(d.State), Revision: d.Revision}
	if err := json.Unmarshal(d.Feature, &e.Feature); err != nil {
		return models.DrawEntry{}, errors.Wrapf(err, "decode feature %s", d.Key)
	}
	if e.Feature.Geometry == nil && d.GeomWKB != "" {
		g, err := methods.WKBToGeometry(d.GeomWKB)
		if err != nil {
			return models.DrawEntry{}, err
		}
		e.Feature.Geometry = g
	}
	if len(d.Original) > 0 && string(d.Original) != "null" {
		var o models.ZoneFeature
		if err := json.Unmarshal(d.Original, &o); err != nil {
			return models.DrawEntry{}, errors.Wrapf(err, "decode original %s", d.Key)
		}
		e.Original = &o
	}
	return e, nil
}

// Sync 用当前条目整体替换草稿
func (j *DraftJournal) Sync(entries []models.DrawEntry) error {
	rows := make([]models.DraftEntry, 0, len(entries))
	for _, e := range entries {
		d, err := toDraft(e)
		if err != nil {
			return err
		}
		rows = append(rows, d)
	}
	return j.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.DraftEntry{}).Error; err != nil {
			return errors.Wrap(err, "clear drafts")
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return errors.Wrap(err, "write drafts")
		}
		return nil
	})
}

// Load 按写入顺序读取草稿，无法解析的条目跳过
func (j *DraftJournal) Load() ([]models.DrawEntry, error) {
	var rows []models.DraftEntry
	if err := j.db.Order("id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "read drafts")
	}
	out := make([]models.DrawEntry, 0, len(rows))
	for _, d := range rows {
		e, err := fromDraft(d)
		if err != nil {
			j.log.Warn().Err(err).Str("key", d.Key).Msg("skipping unreadable draft")
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// RecordSave 记录一次提交
func (j *DraftJournal) RecordSave(username string, batch SaveBatch, saveErr error) error {
	body, err := json.Marshal(batch.Collection())
	if err != nil {
		return errors.Wrap(err, "encode batch")
	}
	rec := models.SaveRecord{
		Username: username,
		Date:     time.Now().Format("2006-01-02 15:04:05"),
		Count:    len(batch.Keys),
		Status:   "success",
		Batch:    datatypes.JSON(body),
	}
	if saveErr != nil {
		rec.Status = "failed"
		rec.Message = saveErr.Error()
	}
	if err := j.db.Create(&rec).Error; err != nil {
		return errors.Wrap(err, "write save record")
	}
	return nil
}

// History 最近的提交记录，不含批次内容
func (j *DraftJournal) History(limit int) ([]models.SaveRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []models.SaveRecord
	err := j.db.Omit("batch").Order("id desc").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, errors.Wrap(err, "read save history")
	}
	return recs, nil
}
