package sqlinline

const QUpsertBatch = `--sql 5b1e6000-7446-43f7-81a4-89978f4d133f
insert into generation_batches (
  request_id,
  session_id,
  status,
  total,
  succeeded,
  failed,
  instruction,
  country,
  results,
  errors,
  attempts,
  created_at,
  finished_at
)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11::jsonb, $12, $13)
on conflict (request_id) do update set
  status      = excluded.status,
  succeeded   = excluded.succeeded,
  failed      = excluded.failed,
  results     = excluded.results,
  errors      = excluded.errors,
  attempts    = excluded.attempts,
  finished_at = excluded.finished_at
where generation_batches.session_id = excluded.session_id;
`

const QGetBatch = `--sql 115b2436-dfd3-48b1-9f6a-9a1abcb8f3e1
select
  request_id,
  session_id,
  status,
  total,
  succeeded,
  failed,
  instruction,
  country,
  results,
  errors,
  attempts,
  created_at,
  finished_at
from generation_batches
where request_id = $1;
`

const QListSessionBatches = `--sql a982e5cb-4de4-4011-8b61-def381eb603d
select
  request_id,
  session_id,
  status,
  total,
  succeeded,
  failed,
  instruction,
  country,
  results,
  errors,
  attempts,
  created_at,
  finished_at
from generation_batches
where session_id = $1
order by created_at desc
limit $2;
`

const QPurgeBatches = `--sql 7c51c81b-a925-4983-a7f6-3d62ed45206b
delete from generation_batches
where finished_at is not null
  and finished_at < $1;
`
