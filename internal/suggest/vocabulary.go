// Package suggest produces "did you mean" hints for free-text searches that
// returned nothing, by edit distance against a curated condition vocabulary.
package suggest

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one curated condition label and its clinical synonym.
type Entry struct {
	Label           string `yaml:"label" json:"label"`
	ClinicalSynonym string `yaml:"clinical_synonym" json:"clinical_synonym"`
}

// Vocabulary is an ordered, read-only list of entries.
type Vocabulary []Entry

// LoadVocabulary reads a YAML list of entries. Blank labels are rejected.
func LoadVocabulary(path string) (Vocabulary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	var v Vocabulary
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("parse vocabulary %s: %w", path, err)
	}
	for i, e := range v {
		if strings.TrimSpace(e.Label) == "" {
			return nil, fmt.Errorf("vocabulary %s: entry %d has an empty label", path, i)
		}
	}
	return v, nil
}

// DefaultVocabulary returns the built-in list of common condition labels.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		{Label: "Alzheimer's Disease", ClinicalSynonym: "Alzheimer Disease"},
		{Label: "Anxiety", ClinicalSynonym: "Anxiety Disorders"},
		{Label: "Arthritis", ClinicalSynonym: "Rheumatoid Arthritis"},
		{Label: "Asthma", ClinicalSynonym: "Asthma"},
		{Label: "Atrial Fibrillation", ClinicalSynonym: "Atrial Fibrillation"},
		{Label: "Autism", ClinicalSynonym: "Autism Spectrum Disorder"},
		{Label: "Breast Cancer", ClinicalSynonym: "Breast Neoplasms"},
		{Label: "Celiac Disease", ClinicalSynonym: "Celiac Disease"},
		{Label: "COPD", ClinicalSynonym: "Pulmonary Disease, Chronic Obstructive"},
		{Label: "Colon Cancer", ClinicalSynonym: "Colonic Neoplasms"},
		{Label: "Crohn's Disease", ClinicalSynonym: "Crohn Disease"},
		{Label: "Depression", ClinicalSynonym: "Major Depressive Disorder"},
		{Label: "Diabetes", ClinicalSynonym: "Diabetes Mellitus"},
		{Label: "Eczema", ClinicalSynonym: "Atopic Dermatitis"},
		{Label: "Epilepsy", ClinicalSynonym: "Epilepsy"},
		{Label: "Fibromyalgia", ClinicalSynonym: "Fibromyalgia"},
		{Label: "Heart Failure", ClinicalSynonym: "Heart Failure"},
		{Label: "Hepatitis C", ClinicalSynonym: "Hepatitis C, Chronic"},
		{Label: "HIV", ClinicalSynonym: "HIV Infections"},
		{Label: "Hypertension", ClinicalSynonym: "Hypertension"},
		{Label: "Insomnia", ClinicalSynonym: "Sleep Initiation and Maintenance Disorders"},
		{Label: "Leukemia", ClinicalSynonym: "Leukemia"},
		{Label: "Lung Cancer", ClinicalSynonym: "Lung Neoplasms"},
		{Label: "Lupus", ClinicalSynonym: "Lupus Erythematosus, Systemic"},
		{Label: "Lymphoma", ClinicalSynonym: "Lymphoma"},
		{Label: "Melanoma", ClinicalSynonym: "Melanoma"},
		{Label: "Migraine", ClinicalSynonym: "Migraine Disorders"},
		{Label: "Multiple Sclerosis", ClinicalSynonym: "Multiple Sclerosis"},
		{Label: "Obesity", ClinicalSynonym: "Obesity"},
		{Label: "Osteoporosis", ClinicalSynonym: "Osteoporosis"},
		{Label: "Parkinson's Disease", ClinicalSynonym: "Parkinson Disease"},
		{Label: "Prostate Cancer", ClinicalSynonym: "Prostatic Neoplasms"},
		{Label: "Psoriasis", ClinicalSynonym: "Psoriasis"},
		{Label: "PTSD", ClinicalSynonym: "Stress Disorders, Post-Traumatic"},
		{Label: "Schizophrenia", ClinicalSynonym: "Schizophrenia"},
		{Label: "Sickle Cell", ClinicalSynonym: "Anemia, Sickle Cell"},
		{Label: "Sleep Apnea", ClinicalSynonym: "Sleep Apnea, Obstructive"},
		{Label: "Stroke", ClinicalSynonym: "Stroke"},
		{Label: "Ulcerative Colitis", ClinicalSynonym: "Colitis, Ulcerative"},
	}
}
